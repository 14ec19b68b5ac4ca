package gpiocontrol

import "github.com/pkg/errors"

// Command names accepted from the host, matching its wire protocol.
const (
	CommandTurnOn   = "turnGpioOn"
	CommandTurnOff  = "turnGpioOff"
	CommandGetState = "getGpioState"
)

// ErrUnknownCommand marks a request whose command name is not one of the
// three supported verbs.
var ErrUnknownCommand = errors.New("unknown command")

// CommandRequest is one host command addressed to a channel by its
// configuration index.
type CommandRequest struct {
	Command string `json:"command"`
	ID      int    `json:"id"`
}

// CommandResult is the reply. State carries a value for CommandGetState
// only.
type CommandResult struct {
	Success bool   `json:"success"`
	State   string `json:"state,omitempty"`
}

// Execute validates the request and applies it to the registry. Invalid ids
// and unknown commands come back as ErrInvalidChannel and ErrUnknownCommand
// so transports can map them to request errors.
func (req CommandRequest) Execute(registry *Registry) (CommandResult, error) {
	switch req.Command {
	case CommandTurnOn:
		if err := registry.SetState(req.ID, true); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Success: true}, nil
	case CommandTurnOff:
		if err := registry.SetState(req.ID, false); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Success: true}, nil
	case CommandGetState:
		state, err := registry.State(req.ID)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Success: true, State: state}, nil
	}
	return CommandResult{}, errors.Wrapf(ErrUnknownCommand, "%q", req.Command)
}
