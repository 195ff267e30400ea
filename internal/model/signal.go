package model

import "time"

// SignalKind is the outcome category of one rule or phase evaluation.
type SignalKind string

const (
	SignalBuy  SignalKind = "BUY"
	SignalSell SignalKind = "SELL"
	SignalHold SignalKind = "HOLD"
	// SignalWait means a multi-step sequence matched a step and is
	// waiting on the remaining ones.
	SignalWait SignalKind = "WAIT"
)

// Actionable reports whether the signal should reach the order side.
func (k SignalKind) Actionable() bool {
	return k == SignalBuy || k == SignalSell
}

// Signal is the result of evaluating a rule set against one candle.
type Signal struct {
	Kind       SignalKind `json:"kind"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason,omitempty"`
}

// Hold is the neutral signal with an optional reason.
func Hold(reason string) Signal {
	return Signal{Kind: SignalHold, Reason: reason}
}

// Action names what the execution side should do with a signal.
type Action string

const (
	ActionEnterPosition  Action = "ENTER_POSITION"
	ActionAdjustPosition Action = "ADJUST_POSITION"
	ActionExitPosition   Action = "EXIT_POSITION"
	ActionModifyOrder    Action = "MODIFY_ORDER"
)

// MessageType classifies outbound worker messages.
type MessageType string

const (
	MsgEntrySignal      MessageType = "ENTRY_SIGNAL"
	MsgAdjustmentSignal MessageType = "ADJUSTMENT_SIGNAL"
	MsgExitSignal       MessageType = "EXIT_SIGNAL"
	MsgStatusUpdate     MessageType = "STATUS_UPDATE"
)

// Message is the envelope a strategy worker emits toward the
// supervisor, the event stream and the order executor.
type Message struct {
	Type       MessageType    `json:"type"`
	StrategyID string         `json:"strategyId"`
	Symbol     string         `json:"symbol"`
	Phase      string         `json:"phase"`
	Signal     Signal         `json:"signal"`
	Action     Action         `json:"action,omitempty"`
	Qty        float64        `json:"qty,omitempty"`
	Price      float64        `json:"price,omitempty"`
	CandleTS   time.Time      `json:"candleTs"`
	Data       map[string]any `json:"data,omitempty"`
}
