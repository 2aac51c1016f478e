package settlement

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Action string

const (
	ActionApprove Action = "ap"
	ActionReject  Action = "rj"

	commandVersion = "v1"
)

var ErrBadCommand = errors.New("malformed decision command")

// Command это решение админа по заявке. В кнопке кодируется как v1:<action>:<requestID>;
// все параметры заказа хранятся в самой заявке.
type Command struct {
	Action    Action
	RequestID uint
}

func (c Command) String() string {
	return fmt.Sprintf("%s:%s:%d", commandVersion, c.Action, c.RequestID)
}

func ParseCommand(data string) (Command, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != commandVersion {
		return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, data)
	}
	action := Action(parts[1])
	if action != ActionApprove && action != ActionReject {
		return Command{}, fmt.Errorf("%w: action %q", ErrBadCommand, parts[1])
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || id == 0 {
		return Command{}, fmt.Errorf("%w: request id %q", ErrBadCommand, parts[2])
	}
	return Command{Action: action, RequestID: uint(id)}, nil
}

// IsCommand проверяет только префикс, для диспетчера callback-ов.
func IsCommand(data string) bool {
	return strings.HasPrefix(data, commandVersion+":")
}
