package client

// Control defines the operations performed against a running master's control
// API. Use the concrete NewControl to obtain an implementation that satisfies
// this interface.
type Control interface {
	Health() error
	Status() (*StatusInfo, error)
	Reload() error
	Stop() error
	Trigger(req *TriggerRequest) (*TriggerAccepted, error)
	GetRun(id string) (*RunInfo, error)
	ListRuns(limit int) (*RunList, error)
}
