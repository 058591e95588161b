package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFunctions(t *testing.T) {
	code := `import requests

def download_page(url):
    """Fetch a page and return its text."""
    return requests.get(url).text

def parse_table(html):
    rows = html.split("<tr>")
    return rows

print(download_page("http://example.com"))
`

	modules := ExtractFunctions(code, "web_scraping")
	require.Len(t, modules, 2)

	assert.Equal(t, "download_page", modules[0].Name)
	assert.Equal(t, "Fetch a page and return its text.", modules[0].Description)
	assert.Contains(t, modules[0].Code, "requests.get(url)")
	assert.NotContains(t, modules[0].Code, "parse_table")
	assert.Equal(t, "web_scraping", modules[0].Category)
	assert.Contains(t, modules[0].Keywords, "download")

	assert.Equal(t, "parse_table", modules[1].Name)
	assert.Empty(t, modules[1].Description)
	assert.NotContains(t, modules[1].Code, "print(")
}

func TestExtractFunctionsNone(t *testing.T) {
	assert.Empty(t, ExtractFunctions("print('no functions here')\n", "general_task"))
}

func TestExtractFunctionsIgnoresNested(t *testing.T) {
	code := `def outer():
    def inner():
        pass
    return inner
`
	modules := ExtractFunctions(code, "general_task")
	require.Len(t, modules, 1)
	assert.Equal(t, "outer", modules[0].Name)
}
