package sync

// Observer receives run progress. Calls are made from the goroutine running
// the engine.
type Observer interface {
	RunStarted(runID string)
	FileProcessed(runID, name string, action Action, err error)
	RunFinished(stats *Stats, err error)
}

type nopObserver struct{}

func (nopObserver) RunStarted(string)                           {}
func (nopObserver) FileProcessed(string, string, Action, error) {}
func (nopObserver) RunFinished(*Stats, error)                   {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) RunStarted(runID string) {
	for _, ob := range o {
		ob.RunStarted(runID)
	}
}

func (o Observers) FileProcessed(runID, name string, action Action, err error) {
	for _, ob := range o {
		ob.FileProcessed(runID, name, action, err)
	}
}

func (o Observers) RunFinished(stats *Stats, err error) {
	for _, ob := range o {
		ob.RunFinished(stats, err)
	}
}
