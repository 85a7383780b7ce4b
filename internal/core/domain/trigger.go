package domain

// Param is a decoded ABI value. Values are normalised so that big integers
// are decimal strings and addresses, hashes and bytes are 0x-prefixed hex.
type Param struct {
	Name  string
	Value any
}

type TriggerKind string

const (
	TriggerLog   TriggerKind = "log"
	TriggerCall  TriggerKind = "call"
	TriggerBlock TriggerKind = "block"
)

// TriggerPayload is what a mapping handler receives.
type TriggerPayload struct {
	Kind      TriggerKind
	Block     BlockPtr
	Timestamp uint64
	Address   string
	TxHash    string
	TxIndex   uint
	LogIndex  uint
	From      string
	Signature string
	Params    []Param
	Outputs   []Param
}
