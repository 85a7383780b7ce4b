// Package filter matches block events against the data sources of a
// deployment and turns the matches into handler triggers.
package filter

import (
	"bytes"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/manifest"
)

// Trigger is one handler invocation for a block.
type Trigger struct {
	Source  *manifest.DataSource
	Handler string
	Payload domain.TriggerPayload
}

// Resolver is stateless; it only needs a logger for events that match a
// subscription but fail to decode.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "resolver")}
}

// Resolve returns the triggers of block for the sources in idx. Event and
// call triggers follow block order, sources follow index order within one
// event. Block handler triggers come last.
func (r *Resolver) Resolve(block *domain.Block, idx *SourceIndex) []Trigger {
	var (
		triggers []Trigger
		called   = make(map[common.Address]bool)
	)

	for _, ev := range block.Events {
		if ev.Kind == domain.RawEventCall {
			called[ev.Address] = true
		}
		for _, ds := range idx.Lookup(ev.Address) {
			if ds.StartBlock > block.Number {
				continue
			}
			switch ev.Kind {
			case domain.RawEventLog:
				triggers = r.matchLog(triggers, block, ds, ev)
			case domain.RawEventCall:
				triggers = r.matchCall(triggers, block, ds, ev)
			}
		}
	}

	for _, ds := range idx.Sources() {
		if ds.StartBlock > block.Number {
			continue
		}
		for _, bh := range ds.BlockHandlers {
			if bh.CallOnly {
				if ds.Address == nil && len(called) == 0 {
					continue
				}
				if ds.Address != nil && !called[*ds.Address] {
					continue
				}
			}
			triggers = append(triggers, Trigger{
				Source:  ds,
				Handler: bh.Handler,
				Payload: domain.TriggerPayload{
					Kind:      domain.TriggerBlock,
					Block:     block.Ptr(),
					Timestamp: block.Timestamp,
				},
			})
		}
	}
	return triggers
}

func (r *Resolver) matchLog(out []Trigger, block *domain.Block, ds *manifest.DataSource, ev domain.RawEvent) []Trigger {
	if len(ev.Topics) == 0 {
		return out
	}
	for _, h := range ds.EventHandlers {
		if h.Topic0 != ev.Topics[0] {
			continue
		}
		params, err := decodeLog(h.Event, ev.Topics, ev.Data)
		if err != nil {
			r.logger.Warn("skipping undecodable log",
				"source", ds.Name, "block", block.Number, "tx", ev.TxHash.Hex(), "log_index", ev.LogIndex, "error", err)
			continue
		}
		out = append(out, Trigger{
			Source:  ds,
			Handler: h.Handler,
			Payload: domain.TriggerPayload{
				Kind:      domain.TriggerLog,
				Block:     block.Ptr(),
				Timestamp: block.Timestamp,
				Address:   hexutil.Encode(ev.Address.Bytes()),
				TxHash:    ev.TxHash.Hex(),
				TxIndex:   ev.TxIndex,
				LogIndex:  ev.LogIndex,
				Signature: h.Signature,
				Params:    params,
			},
		})
	}
	return out
}

func (r *Resolver) matchCall(out []Trigger, block *domain.Block, ds *manifest.DataSource, ev domain.RawEvent) []Trigger {
	selector := ev.Selector()
	if selector == nil {
		return out
	}
	for _, h := range ds.CallHandlers {
		if !bytes.Equal(h.Selector[:], selector) {
			continue
		}
		params, err := decodeArgs(h.Method.Inputs, ev.Input[4:])
		if err != nil {
			r.logger.Warn("skipping undecodable call",
				"source", ds.Name, "block", block.Number, "tx", ev.TxHash.Hex(), "error", err)
			continue
		}
		// Outputs are optional; calls without them still get the trigger.
		var outputs []domain.Param
		if len(ev.Output) > 0 {
			if outputs, err = decodeArgs(h.Method.Outputs, ev.Output); err != nil {
				r.logger.Warn("skipping call with undecodable outputs",
					"source", ds.Name, "block", block.Number, "tx", ev.TxHash.Hex(), "error", err)
				continue
			}
		}
		out = append(out, Trigger{
			Source:  ds,
			Handler: h.Handler,
			Payload: domain.TriggerPayload{
				Kind:      domain.TriggerCall,
				Block:     block.Ptr(),
				Timestamp: block.Timestamp,
				Address:   hexutil.Encode(ev.Address.Bytes()),
				TxHash:    ev.TxHash.Hex(),
				TxIndex:   ev.TxIndex,
				From:      hexutil.Encode(ev.From.Bytes()),
				Signature: h.Signature,
				Params:    params,
				Outputs:   outputs,
			},
		})
	}
	return out
}
