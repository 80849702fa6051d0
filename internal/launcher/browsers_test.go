package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/protocol"
)

func TestFromConfig_BuiltIn(t *testing.T) {
	b, err := FromConfig(protocol.BrowserConfig{Name: "ChromeHeadless", Args: []string{"--lang=en"}})
	require.NoError(t, err)
	assert.Equal(t, "ChromeHeadless", b.Name)
	assert.Equal(t, "CHROME_BIN", b.EnvVar)

	args := b.Args("http://localhost/?id=1", "/tmp/p")
	assert.Contains(t, args, "--user-data-dir=/tmp/p")
	assert.Contains(t, args, "--headless")
	assert.Equal(t, "--lang=en", args[len(args)-2])
	assert.Equal(t, "http://localhost/?id=1", args[len(args)-1])

	chrome, err := FromConfig(protocol.BrowserConfig{Name: "Chrome"})
	require.NoError(t, err)
	assert.NotContains(t, chrome.Args("u", "d"), "--headless")
}

func TestFromConfig_Custom(t *testing.T) {
	b, err := FromConfig(protocol.BrowserConfig{Command: `"/opt/my browser/run"`, Args: []string{"--kiosk"}})
	require.NoError(t, err)
	assert.Equal(t, "run", b.Name)
	assert.Equal(t, "/opt/my browser/run", b.ResolveCommand())
	assert.Equal(t, []string{"--kiosk", "http://x/"}, b.Args("http://x/", "/tmp/d"))
}

func TestFromConfig_Unknown(t *testing.T) {
	_, err := FromConfig(protocol.BrowserConfig{Name: "Netscape"})
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeConfigInvalid, perrors.CodeOf(err))
	assert.Contains(t, err.Error(), "FirefoxHeadless")
}

func TestResolveCommand_Precedence(t *testing.T) {
	t.Setenv("FIREFOX_BIN", `'/env/firefox'`)

	b, err := FromConfig(protocol.BrowserConfig{Name: "Firefox"})
	require.NoError(t, err)
	assert.Equal(t, "/env/firefox", b.ResolveCommand())

	b.Command = "/config/firefox"
	assert.Equal(t, "/config/firefox", b.ResolveCommand())
}

func TestKnown(t *testing.T) {
	assert.Equal(t, []string{"Chrome", "ChromeHeadless", "Firefox", "FirefoxHeadless"}, Known())
}
