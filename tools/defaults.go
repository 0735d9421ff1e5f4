package tools

// Default gate tool specs. Each is an opaque command; swap them out per
// project via pipeline configuration.
var (
	Linter = Spec{
		Name:    "linter",
		Command: "golangci-lint",
		Args:    []string{"run", "--output.json.path", "stdout"},
	}

	Typechecker = Spec{
		Name:    "typechecker",
		Command: "go",
		Args:    []string{"vet", "./..."},
	}

	TestRunner = Spec{
		Name:    "test-runner",
		Command: "go",
		Args:    []string{"test", "./..."},
	}

	SecurityScanner = Spec{
		Name:    "security-scanner",
		Command: "gosec",
		Args:    []string{"-fmt=json", "-quiet", "./..."},
	}
)

// DefaultSpecs returns the built-in gate tools keyed by name.
func DefaultSpecs() map[string]Spec {
	return map[string]Spec{
		Linter.Name:          Linter,
		Typechecker.Name:     Typechecker,
		TestRunner.Name:      TestRunner,
		SecurityScanner.Name: SecurityScanner,
	}
}
