package blockchain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dev-adhiraj/be-better/pkg/logger"
)

const erc20ABI = `[
  {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// CallSummary is a human readable rendering of transaction calldata shown
// on approval surfaces.
type CallSummary struct {
	Contract string            `json:"contract"`
	Method   string            `json:"method"`
	Selector string            `json:"selector"`
	Args     map[string]string `json:"args,omitempty"`
}

// ABIManager holds contract ABIs used to decode calldata for approval
// payloads. The ERC-20 ABI is always registered.
type ABIManager struct {
	mu   sync.RWMutex
	dir  string
	abis map[string]*abi.ABI
}

// NewABIManager loads every *.json ABI in dir. An empty dir keeps only the
// built-in ABIs.
func NewABIManager(dir string) (*ABIManager, error) {
	m := &ABIManager{
		dir:  dir,
		abis: make(map[string]*abi.ABI),
	}
	if err := m.register("erc20", erc20ABI); err != nil {
		return nil, err
	}
	if dir == "" {
		return m, nil
	}
	if err := m.loadAll(); err != nil {
		return nil, fmt.Errorf("failed to load ABIs: %w", err)
	}
	return m, nil
}

// UploadABI parses abiJSON, registers it and saves it under the ABI dir.
func (m *ABIManager) UploadABI(name, abiJSON string) error {
	if err := m.register(name, abiJSON); err != nil {
		return err
	}
	if m.dir == "" {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ABIs directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, name+".json"), []byte(abiJSON), 0o644); err != nil {
		return fmt.Errorf("failed to save ABI file: %w", err)
	}
	return nil
}

func (m *ABIManager) register(name, abiJSON string) error {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("invalid ABI JSON: %w", err)
	}
	m.mu.Lock()
	m.abis[name] = &parsed
	m.mu.Unlock()
	return nil
}

// ListABIs returns the registered ABI names, sorted.
func (m *ABIManager) ListABIs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.abis))
	for name := range m.abis {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode matches the 4-byte selector of data against the registered ABIs.
func (m *ABIManager) Decode(data []byte) (*CallSummary, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: calldata shorter than a selector", ErrUnknownSelector)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.abis))
	for name := range m.abis {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		method, err := m.abis[name].MethodById(data[:4])
		if err != nil {
			continue
		}
		values, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			continue
		}
		s := &CallSummary{
			Contract: name,
			Method:   method.Sig,
			Selector: hexutil.Encode(data[:4]),
			Args:     make(map[string]string, len(values)),
		}
		for i, v := range values {
			key := method.Inputs[i].Name
			if key == "" {
				key = fmt.Sprintf("arg%d", i)
			}
			s.Args[key] = formatArg(v)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, hexutil.Encode(data[:4]))
}

func formatArg(v any) string {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case *big.Int:
		return x.String()
	case []byte:
		return hexutil.Encode(x)
	case [32]byte:
		return hexutil.Encode(x[:])
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func (m *ABIManager) loadAll() error {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		if err := m.register(name, string(data)); err != nil {
			logger.WarnCF("blockchain", "Skipping invalid ABI file", map[string]any{
				"file":  e.Name(),
				"error": err.Error(),
			})
		}
	}
	return nil
}
