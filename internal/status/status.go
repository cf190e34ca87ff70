package status

import "errors"

var (
	ErrBusinessNotFound = errors.New("business: business not found")
	ErrQueueNotFound    = errors.New("queue: queue not found")
	ErrTicketNotFound   = errors.New("ticket: ticket not found")

	ErrNoValidServices   = errors.New("booking: no valid services selected")
	ErrNoAvailableQueues = errors.New("booking: no available queues for selected services")
	ErrInvalidDate       = errors.New("booking: invalid date, expected YYYY-MM-DD")
	ErrDateInPast        = errors.New("booking: booking date is in the past")
	ErrQueueStopped      = errors.New("queue: queue is not accepting bookings")
	ErrInvalidTransition = errors.New("ticket: status transition not allowed")
	ErrUnknownAction     = errors.New("ticket: unknown action")

	ErrPersistence = errors.New("store: persistence failure")

	// Store level conflicts, resolved before they reach a caller.
	ErrDuplicateActiveEntry = errors.New("store: active entry already exists")
	ErrTokenTaken           = errors.New("store: token already issued")

	ErrNotInQueue = errors.New("live state: user not in queue")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrBusinessNotFound) ||
		errors.Is(err, ErrQueueNotFound) ||
		errors.Is(err, ErrTicketNotFound)
}

func IsInvalidInput(err error) bool {
	for _, target := range []error{
		ErrNoValidServices, ErrNoAvailableQueues, ErrInvalidDate,
		ErrDateInPast, ErrQueueStopped, ErrInvalidTransition, ErrUnknownAction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
