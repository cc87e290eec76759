package queries

import (
	"context"

	"github.com/looplab/fsm"
)

// NetworkStatus is the fetch lifecycle state of an active query.
type NetworkStatus string

const (
	StatusLoading      NetworkStatus = "loading"
	StatusSetVariables NetworkStatus = "setVariables"
	StatusFetchMore    NetworkStatus = "fetchMore"
	StatusRefetch      NetworkStatus = "refetch"
	StatusPolling      NetworkStatus = "polling"
	StatusReady        NetworkStatus = "ready"
	StatusError        NetworkStatus = "error"
)

// Fetching reports whether the status denotes an in-flight network fetch.
func (s NetworkStatus) Fetching() bool {
	return s != StatusReady && s != StatusError
}

const (
	eventSucceed      = "succeed"
	eventFail         = "fail"
	eventSetVariables = "setVariables"
	eventRefetch      = "refetch"
	eventPoll         = "poll"
	eventFetchMore    = "fetchMore"
	eventReload       = "reload"
)

var fetchingStates = []string{
	string(StatusLoading),
	string(StatusSetVariables),
	string(StatusFetchMore),
	string(StatusRefetch),
	string(StatusPolling),
}

var settledStates = []string{string(StatusReady), string(StatusError)}

// statusMachine wraps the per-query lifecycle machine. Settlement events
// accept any fetching source; fetch-kind events require a settled query,
// except refetch which may also interrupt an in-flight fetch.
type statusMachine struct {
	fsm *fsm.FSM
}

func newStatusMachine() *statusMachine {
	allStates := append(append([]string{}, settledStates...), fetchingStates...)
	return &statusMachine{fsm: fsm.NewFSM(
		string(StatusLoading),
		fsm.Events{
			{Name: eventSucceed, Src: fetchingStates, Dst: string(StatusReady)},
			{Name: eventFail, Src: fetchingStates, Dst: string(StatusError)},
			{Name: eventSetVariables, Src: settledStates, Dst: string(StatusSetVariables)},
			{Name: eventRefetch, Src: allStates, Dst: string(StatusRefetch)},
			{Name: eventPoll, Src: settledStates, Dst: string(StatusPolling)},
			{Name: eventFetchMore, Src: []string{string(StatusReady)}, Dst: string(StatusFetchMore)},
			{Name: eventReload, Src: allStates, Dst: string(StatusLoading)},
		},
		fsm.Callbacks{},
	)}
}

func (m *statusMachine) current() NetworkStatus {
	return NetworkStatus(m.fsm.Current())
}

func (m *statusMachine) fire(event string) error {
	return m.fsm.Event(context.Background(), event)
}
