package flash

import "fmt"

// FlashError is returned by the engine and driver.
type FlashError int

const (
	ErrBufferOverrun       FlashError = 1
	ErrOperationInProgress FlashError = 2
	ErrStalled             FlashError = 3
	ErrInvalidLength       FlashError = 4
	ErrBusConfigured       FlashError = 5
	ErrInvalidTransition   FlashError = 6
)

func (fe FlashError) Error() string {
	return fmt.Sprintf("flash: %v", fe.name())
}

func (fe FlashError) name() string {
	switch fe {
	case ErrBufferOverrun:
		return "transfer buffer overrun"
	case ErrOperationInProgress:
		return "operation already in progress"
	case ErrStalled:
		return "transfer stalled, no completion from bus"
	case ErrInvalidLength:
		return "invalid transfer length"
	case ErrBusConfigured:
		return "bus already configured"
	case ErrInvalidTransition:
		return "invalid state transition"
	default:
		return fmt.Sprintf("unknown error code: %v", int(fe))
	}
}
