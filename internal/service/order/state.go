package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State — состояние попытки оформления заказа.
type State string

const (
	StateValidating  State = "validating"
	StateReserving   State = "reserving"
	StateRollingBack State = "rolling_back"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateFailed      State = "failed"
)

var allowedTransitions = map[State][]State{
	StateValidating:  {StateReserving, StateFailed},
	StateReserving:   {StateReserving, StateRollingBack, StateCommitting},
	StateCommitting:  {StateCommitted, StateRollingBack},
	StateRollingBack: {StateFailed},
}

// Transition — запись о смене состояния попытки.
type Transition struct {
	From State
	To   State
	// Line — индекс резервируемой позиции, -1 вне Reserving.
	Line int
	At   time.Time
}

// attempt хранит состояние одной попытки и историю переходов.
type attempt struct {
	id      string
	state   State
	line    int
	history []Transition
	logger  *log.Entry
}

func newAttempt(logger *log.Entry) *attempt {
	id := uuid.NewString()
	return &attempt{
		id:     id,
		state:  StateValidating,
		line:   -1,
		logger: logger.WithField("attempt_id", id),
	}
}

// advance переводит попытку в новое состояние.
// Недопустимый переход считается ошибкой программы и вызывает panic.
func (a *attempt) advance(to State, line int) {
	if !canTransition(a.state, to) {
		panic(fmt.Sprintf("order attempt %s: illegal transition %s -> %s", a.id, a.state, to))
	}
	if to != StateReserving {
		line = -1
	}

	tr := Transition{From: a.state, To: to, Line: line, At: time.Now()}
	a.history = append(a.history, tr)
	a.state = to
	a.line = line

	entry := a.logger.WithFields(log.Fields{"from": tr.From, "state": tr.To})
	if line >= 0 {
		entry = entry.WithField("line", line)
	}
	entry.Debug("order attempt transition")
}

func (a *attempt) terminal() bool {
	return a.state == StateCommitted || a.state == StateFailed
}

func canTransition(from, to State) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
