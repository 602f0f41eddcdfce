package sandbox

// Shell programs the facade runs inside an instance as `sh -c <script> sh <path>`.
// Backends that restrict exec recognise them by exact text.
const (
	FSReadScript  = `cat -- "$1"`
	FSWriteScript = `mkdir -p -- "$(dirname -- "$1")" && cat > "$1"`
)

// IsFSScript reports whether command is one of the facade's fs programs.
func IsFSScript(command []string) bool {
	if len(command) < 3 || command[0] != "sh" || command[1] != "-c" {
		return false
	}
	return command[2] == FSReadScript || command[2] == FSWriteScript
}
