package bot

import (
	"errors"
	"strings"
)

// ParseIDArg extracts a page or channel ID from a command argument string.
func ParseIDArg(args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", errors.New("ID is required")
	}
	return strings.Trim(fields[0], "<>"), nil
}
