package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Escrow contract ABI: the three mutating functions, the two view
// functions, and the three lifecycle events this service consumes.
const escrowABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"seller","type":"address"},{"name":"arbiter","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"escrowId","type":"uint256"}]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refundBuyer","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"arbiter","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"released","type":"bool"},{"name":"refunded","type":"bool"}]},
	{"type":"function","name":"arbiter","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"arbiter","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"token","type":"address","indexed":false}]},
	{"type":"event","name":"FundsReleased","anonymous":false,"inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"FundsRefunded","anonymous":false,"inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

// EventName identifies a decoded contract event.
type EventName string

const (
	EventEscrowCreated EventName = "EscrowCreated"
	EventFundsReleased EventName = "FundsReleased"
	EventFundsRefunded EventName = "FundsRefunded"
)

// Event is a decoded escrow contract log entry.
type Event struct {
	Name        EventName
	EscrowID    uint64
	Buyer       common.Address // EscrowCreated only
	Seller      common.Address // EscrowCreated, FundsReleased
	Arbiter     common.Address // EscrowCreated only
	Token       common.Address // EscrowCreated only
	Amount      *big.Int
	TxHash      string
	BlockNumber uint64
}

// parsedABI is parsed once at package load; the ABI string is a
// compile-time constant, so a parse failure is a programming error.
var parsedABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		panic("chain: invalid escrow ABI: " + err.Error())
	}
	return a
}()

// eventTopics returns the topic hashes of the three escrow lifecycle
// events, used to build log filter queries.
func eventTopics() []common.Hash {
	return []common.Hash{
		parsedABI.Events[string(EventEscrowCreated)].ID,
		parsedABI.Events[string(EventFundsReleased)].ID,
		parsedABI.Events[string(EventFundsRefunded)].ID,
	}
}

// DecodeEvent decodes a raw log into an escrow Event. Returns
// (nil, nil) for logs that are not one of the three escrow events,
// so callers can skip unrelated entries without treating them as errors.
func DecodeEvent(lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	var name EventName
	switch lg.Topics[0] {
	case parsedABI.Events[string(EventEscrowCreated)].ID:
		name = EventEscrowCreated
	case parsedABI.Events[string(EventFundsReleased)].ID:
		name = EventFundsReleased
	case parsedABI.Events[string(EventFundsRefunded)].ID:
		name = EventFundsRefunded
	default:
		return nil, nil
	}

	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("chain: %s log missing escrowId topic", name)
	}

	ev := &Event{
		Name:        name,
		EscrowID:    new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}

	data, err := parsedABI.Unpack(string(name), lg.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", name, err)
	}

	switch name {
	case EventEscrowCreated:
		if len(lg.Topics) < 4 {
			return nil, fmt.Errorf("chain: EscrowCreated log missing party topics")
		}
		ev.Buyer = common.BytesToAddress(lg.Topics[2].Bytes())
		ev.Seller = common.BytesToAddress(lg.Topics[3].Bytes())
		if len(data) != 3 {
			return nil, fmt.Errorf("chain: EscrowCreated data has %d fields, want 3", len(data))
		}
		ev.Arbiter, _ = data[0].(common.Address)
		ev.Amount, _ = data[1].(*big.Int)
		ev.Token, _ = data[2].(common.Address)

	case EventFundsReleased:
		if len(data) != 2 {
			return nil, fmt.Errorf("chain: FundsReleased data has %d fields, want 2", len(data))
		}
		ev.Seller, _ = data[0].(common.Address)
		ev.Amount, _ = data[1].(*big.Int)

	case EventFundsRefunded:
		if len(data) != 2 {
			return nil, fmt.Errorf("chain: FundsRefunded data has %d fields, want 2", len(data))
		}
		ev.Buyer, _ = data[0].(common.Address)
		ev.Amount, _ = data[1].(*big.Int)
	}

	return ev, nil
}
