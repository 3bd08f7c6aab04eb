package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Command defines the command to execute.
type Command int

const (
	None Command = iota
	Watch
	Version
	Init
	Archive
	Status
)

var commandToString = map[Command]string{
	None:    "none",
	Watch:   "watch",
	Version: "version",
	Init:    "init",
	Archive: "archive",
	Status:  "status",
}

var stringToCommand = util.InvertMap(commandToString)

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'watch', 'init', 'archive', 'status', or 'version'", s)
}
