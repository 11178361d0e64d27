package config

// ModuleWeights orders command modules in help output and generated docs.
// Lower comes first; unknown modules sort last.
var ModuleWeights = map[string]int{
	"core":  0,
	"media": 40,
}

// ModuleWeight returns the sort weight of module.
func ModuleWeight(module string) int {
	if w, ok := ModuleWeights[module]; ok {
		return w
	}
	return 100
}
