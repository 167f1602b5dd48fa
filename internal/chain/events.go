package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/height"
)

// ErrEventNotFound is returned when a successful receipt carries no log of the
// expected event.
var ErrEventNotFound = errors.New("event not found in receipt")

type DepositEvent struct {
	Oracle     string
	Recipient  string
	Amount     height.Height
	RefundTime *big.Int
}

// TransferEvent is a WithdrawalMade or RefundMade log.
type TransferEvent struct {
	Oracle    string
	Recipient string
	Amount    height.Height
}

// DecodeDeposit returns the first DepositMade log. When contract is not empty
// only logs emitted by that address are considered.
func DecodeDeposit(receipt *types.Receipt, contract string) (*DepositEvent, error) {
	fields, err := firstEvent(receipt, channelABI.Events["DepositMade"], contract)
	if err != nil {
		return nil, err
	}
	amount, err := heightField(fields, "amount")
	if err != nil {
		return nil, err
	}
	refundTime, _ := fields["refundTime"].(*big.Int)
	return &DepositEvent{
		Oracle:     addressField(fields, "oracle"),
		Recipient:  addressField(fields, "recipient"),
		Amount:     amount,
		RefundTime: refundTime,
	}, nil
}

func DecodeWithdrawal(receipt *types.Receipt, contract string) (*TransferEvent, error) {
	return decodeTransfer(receipt, channelABI.Events["WithdrawalMade"], contract)
}

func DecodeRefund(receipt *types.Receipt, contract string) (*TransferEvent, error) {
	return decodeTransfer(receipt, channelABI.Events["RefundMade"], contract)
}

func decodeTransfer(receipt *types.Receipt, ev abi.Event, contract string) (*TransferEvent, error) {
	fields, err := firstEvent(receipt, ev, contract)
	if err != nil {
		return nil, err
	}
	amount, err := heightField(fields, "amount")
	if err != nil {
		return nil, err
	}
	return &TransferEvent{
		Oracle:    addressField(fields, "oracle"),
		Recipient: addressField(fields, "recipient"),
		Amount:    amount,
	}, nil
}

// DecodeForwards returns every Forward and ForwardAny log in the receipt.
// Addresses are lower-cased.
func DecodeForwards(receipt *types.Receipt) ([]domain.ForwardEvent, error) {
	var out []domain.ForwardEvent
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 {
			continue
		}
		ev, err := forwarderABI.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}
		fields, err := unpackLog(*ev, lg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		id, _ := fields["id"].(string)
		to, _ := fields["to"].([]common.Address)
		values, _ := fields["value"].([]*big.Int)
		if len(to) != len(values) {
			return nil, fmt.Errorf("decode %s: %d recipients for %d values", ev.Name, len(to), len(values))
		}
		fe := domain.ForwardEvent{
			ID:     id,
			From:   strings.ToLower(addressField(fields, "from")),
			TxHash: receipt.TxHash.Hex(),
		}
		for i := range to {
			v, err := height.FromBig(values[i])
			if err != nil {
				return nil, err
			}
			fe.To = append(fe.To, strings.ToLower(to[i].Hex()))
			fe.Value = append(fe.Value, v)
		}
		out = append(out, fe)
	}
	return out, nil
}

func firstEvent(receipt *types.Receipt, ev abi.Event, contract string) (map[string]any, error) {
	if receipt == nil {
		return nil, ErrEventNotFound
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if contract != "" && !strings.EqualFold(lg.Address.Hex(), contract) {
			continue
		}
		fields, err := unpackLog(ev, lg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		return fields, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEventNotFound, ev.Name)
}

func unpackLog(ev abi.Event, lg *types.Log) (map[string]any, error) {
	fields := map[string]any{}
	if nonIndexed := ev.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(fields, lg.Data); err != nil {
			return nil, err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics) < len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(lg.Topics))
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, err
	}
	return fields, nil
}

func addressField(fields map[string]any, name string) string {
	if a, ok := fields[name].(common.Address); ok {
		return a.Hex()
	}
	return ""
}

func heightField(fields map[string]any, name string) (height.Height, error) {
	v, ok := fields[name].(*big.Int)
	if !ok {
		return height.Height{}, fmt.Errorf("field %s missing", name)
	}
	return height.FromBig(v)
}
