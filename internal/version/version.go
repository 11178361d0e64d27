// Package version holds build identity and the plugin API version the host
// offers to plugins.
package version

// Overridden at build time with -ldflags "-X".
var (
	AppName = "parley"
	Version = "dev"
	Commit  = ""
)

// PluginAPI is matched against the semver constraint a plugin declares.
const PluginAPI = "1.0.0"

// String returns "parley dev" or "parley 1.2.0 (abc1234)".
func String() string {
	s := AppName + " " + Version
	if Commit != "" {
		c := Commit
		if len(c) > 7 {
			c = c[:7]
		}
		s += " (" + c + ")"
	}
	return s
}
