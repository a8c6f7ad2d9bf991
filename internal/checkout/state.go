package checkout

// State はチェックアウトの状態。
type State int

const (
	Idle State = iota
	Reviewing
	AwaitingPayment
	Settling
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reviewing:
		return "reviewing"
	case AwaitingPayment:
		return "awaiting_payment"
	case Settling:
		return "settling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal は1回のチェックアウトが終了した状態かを返す。
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}
