package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// perSessionLimit 是每个会话在内存中保留的记录上限。
const perSessionLimit = 64

// FileRepository 以 JSON Lines 追加写本地文件，并在内存中按会话保留最近记录。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	sessions map[string][]Entry
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository 创建文件仓库并从磁盘恢复历史。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{
		dataFile: filepath.Join(dataDir, "turns.log"),
		sessions: make(map[string][]Entry),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录一轮对话。
func (f *FileRepository) Save(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入对话日志失败: %w", err)
	}

	f.remember(entry)
	return nil
}

// ListLatest 实现 Repository。
func (f *FileRepository) ListLatest(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries := f.sessions[sessionID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]Entry, limit)
	copy(out, entries[len(entries)-limit:])
	return out, nil
}

func (f *FileRepository) remember(entry Entry) {
	entries := append(f.sessions[entry.SessionID], entry)
	if len(entries) > perSessionLimit {
		entries = entries[len(entries)-perSessionLimit:]
	}
	f.sessions[entry.SessionID] = entries
}

func (f *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取对话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		f.remember(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析对话日志失败: %w", err)
	}
	return nil
}
