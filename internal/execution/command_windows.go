//go:build windows

package execution

// Scripts cannot be executed directly on Windows; run them through cmd.exe.
func command(executable string, args []string) (string, []string) {
	return "cmd.exe", append([]string{"/c", executable}, args...)
}
