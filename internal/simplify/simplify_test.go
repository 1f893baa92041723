package simplify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTML_DropsChrome(t *testing.T) {
	t.Parallel()

	raw := `<html><head><title>Top 10</title></head><body>
		<nav><a href="/">home</a></nav>
		<script>track()</script>
		<style>.x{color:red}</style>
		<!-- ad slot -->
		<ol class="ranking" data-track="list">
			<li id="r1" style="font-weight:bold">Rumours <span>Fleetwood Mac</span></li>
			<li>Blue</li>
		</ol>
		<footer>copyright</footer>
	</body></html>`

	got, err := HTML(raw)
	require.NoError(t, err)

	assert.Contains(t, got, "Rumours")
	assert.Contains(t, got, "Blue")
	assert.Contains(t, got, "<ol>")
	assert.NotContains(t, got, "track()")
	assert.NotContains(t, got, "color:red")
	assert.NotContains(t, got, "nav")
	assert.NotContains(t, got, "footer")
	assert.NotContains(t, got, "ad slot")
	assert.NotContains(t, got, "class=")
	assert.NotContains(t, got, "style=")
	assert.NotContains(t, got, "data-track")
}

func TestHTML_KeepsHrefs(t *testing.T) {
	t.Parallel()

	got, err := HTML(`<body><ul><li><a href="/album/1" class="link">OK Computer</a></li></ul></body>`)
	require.NoError(t, err)
	assert.Contains(t, got, `href="/album/1"`)
	assert.NotContains(t, got, "class=")
}

func TestHTML_FragmentGetsBody(t *testing.T) {
	t.Parallel()

	// The parser wraps fragments in html/body, so bare markup still works.
	got, err := HTML(`<ol><li>Dreams</li></ol>`)
	require.NoError(t, err)
	assert.Contains(t, got, "Dreams")
}
