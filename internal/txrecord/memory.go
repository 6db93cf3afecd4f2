package txrecord

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const memoryCapacity = 512

// MemoryStore 在内存中保存交易记录；指定数据目录时同时以追加写的方式
// 记录到 JSON Lines 文件，重启后从文件恢复。
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]Record
	order    []string
}

// NewMemoryStore 创建内存存储，dataDir 为空时不落盘。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	store := &MemoryStore{records: make(map[string]Record)}
	if strings.TrimSpace(dataDir) == "" {
		return store, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store.dataFile = filepath.Join(dataDir, "transactions.log")
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("交易记录缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		if err := m.append(record); err != nil {
			return err
		}
	}
	m.put(record)
	return nil
}

func (m *MemoryStore) append(record Record) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开交易日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入交易日志失败: %w", err)
	}
	return nil
}

// put 写入或覆盖记录，调用方持有写锁。
func (m *MemoryStore) put(record Record) {
	if _, exists := m.records[record.ID]; !exists {
		m.order = append(m.order, record.ID)
	}
	m.records[record.ID] = record
	if len(m.order) > memoryCapacity {
		evicted := m.order[0]
		m.order = m.order[1:]
		delete(m.records, evicted)
	}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	return record, ok, nil
}

// List 实现 Store 接口，按提交时间倒序返回。
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	filter = filter.normalized()
	m.mu.RLock()
	results := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		if filter.Sender != "" && strings.ToLower(record.Sender) != filter.Sender {
			continue
		}
		results = append(results, record)
	}
	m.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SubmittedAt.After(results[j].SubmittedAt)
	})
	if len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取交易日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil || record.ID == "" {
			continue
		}
		m.put(record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析交易日志失败: %w", err)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
