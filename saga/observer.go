package saga

import "time"

// IObserver 引擎生命周期回调
//
// 回调在执行 goroutine 中同步调用，实现不应阻塞。
type IObserver interface {
	TransactionStarted(txID string)
	StepCompleted(txID, step string, resumed bool, elapsed time.Duration)
	StepFailed(txID, step string, err error)
	CompensationRun(txID, step string, err error)
	EvidenceFailed(txID string, typ string, err error)
	TransactionFinished(txID string, state TransactionState, elapsed time.Duration)
}

// NoopObserver 空实现
type NoopObserver struct{}

var _ IObserver = NoopObserver{}

func (NoopObserver) TransactionStarted(string)                                   {}
func (NoopObserver) StepCompleted(string, string, bool, time.Duration)           {}
func (NoopObserver) StepFailed(string, string, error)                            {}
func (NoopObserver) CompensationRun(string, string, error)                       {}
func (NoopObserver) EvidenceFailed(string, string, error)                        {}
func (NoopObserver) TransactionFinished(string, TransactionState, time.Duration) {}
