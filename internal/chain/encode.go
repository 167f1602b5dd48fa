package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EncodeEvent builds the log a contract would emit for the named event.
// args follow the event's input order, indexed ones included.
func EncodeEvent(name string, contract common.Address, args ...interface{}) (*types.Log, error) {
	ev, ok := channelABI.Events[name]
	if !ok {
		ev, ok = forwarderABI.Events[name]
	}
	if !ok {
		return nil, fmt.Errorf("unknown event %s", name)
	}
	if len(args) != len(ev.Inputs) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", name, len(ev.Inputs), len(args))
	}

	var data []interface{}
	var indexed []interface{}
	for i, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, args[i])
		} else {
			data = append(data, args[i])
		}
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}
	topics := []common.Hash{ev.ID}
	for _, v := range indexed {
		t, err := abi.MakeTopics([]interface{}{v})
		if err != nil {
			return nil, fmt.Errorf("topic for %s: %w", name, err)
		}
		topics = append(topics, t[0][0])
	}
	return &types.Log{Address: contract, Topics: topics, Data: packed}, nil
}
