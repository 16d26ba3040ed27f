//go:build !windows

package execution

func command(executable string, args []string) (string, []string) {
	return executable, args
}
