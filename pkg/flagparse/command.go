package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Command defines the command to execute.
type Command int

const (
	None Command = iota
	Watch
	Once
	Init
	Version
)

var commandToString = map[Command]string{
	None:    "none",
	Watch:   "watch",
	Once:    "once",
	Init:    "init",
	Version: "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

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
	return None, fmt.Errorf("invalid command: %q. Must be 'watch', 'once', 'init', or 'version'", s)
}
