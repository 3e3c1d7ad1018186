package scheduler

import "fmt"

func errQueueFull(sessionKey string) error {
	return fmt.Errorf("scheduler: queue full for session %s", sessionKey)
}

func errDropped(sessionKey string) error {
	return fmt.Errorf("scheduler: request dropped for session %s (queue_mode=drop, run in flight)", sessionKey)
}

func errCancelled(sessionKey string) error {
	return fmt.Errorf("scheduler: cancelled for session %s", sessionKey)
}

func errSchedulerStopped() error {
	return fmt.Errorf("scheduler: stopped")
}
