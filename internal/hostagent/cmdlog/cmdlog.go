// Package cmdlog 持久化正在执行的命令，agent 重启后据此向编排系统报告中断的命令
package cmdlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
)

// State 命令状态
type State string

const (
	StateStarted             State = "STARTED"
	StateProcessing          State = "PROCESSING"
	StateProcessingInBackend State = "PROCESSING_IN_BACKEND"
	StateCompleted           State = "COMPLETED"
	StateFailed              State = "FAILED"
	StateInterrupted         State = "INTERRUPTED"
	StateTimedOut            State = "TIMED_OUT"
	StateDangledInBackend    State = "DANGLED_IN_BACKEND"
)

// IsFinished 命令已经结束，文件可以清理
func (s State) IsFinished() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted, StateTimedOut, StateDangledInBackend:
		return true
	}
	return false
}

// Record 命令日志文件内容
type Record struct {
	Seq       int64              `json:"seq"`
	ID        string             `json:"id"`
	Kind      entity.CommandKind `json:"kind"`
	Target    string             `json:"target,omitempty"`
	State     State              `json:"state"`
	Message   string             `json:"message,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	UpdatedAt time.Time          `json:"updated_at"`

	path string
}

// ErrUnknownCommand 命令不在日志中
var ErrUnknownCommand = errors.New("command not in log")

// Log 命令日志，每个命令一个 <seq>-<name>.json 文件
type Log struct {
	mu      sync.Mutex
	dir     string
	seq     int64
	now     func() time.Time
	records map[string]*Record
}

// New 打开命令日志目录，序号从已有文件的最大值继续
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create command log dir: %w", err)
	}
	l := &Log{
		dir:     dir,
		now:     time.Now,
		records: make(map[string]*Record),
	}
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if seq := fileSeq(f); seq > l.seq {
			l.seq = seq
		}
	}
	return l, nil
}

// Dir 日志目录
func (l *Log) Dir() string {
	return l.dir
}

// Start 记录命令开始
func (l *Log) Start(cmd *entity.Command) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[cmd.ID]; ok {
		return nil, fmt.Errorf("command %s already logged", cmd.ID)
	}
	l.seq++
	now := l.now()
	rec := &Record{
		Seq:       l.seq,
		ID:        cmd.ID,
		Kind:      cmd.Kind,
		Target:    cmd.Target(),
		State:     StateStarted,
		StartedAt: now,
		UpdatedAt: now,
		path:      filepath.Join(l.dir, fmt.Sprintf("%d-%s.json", l.seq, fileName(cmd.LogName()))),
	}
	if err := saveJSONFile(rec.path, rec); err != nil {
		return nil, err
	}
	l.records[cmd.ID] = rec
	return copyRecord(rec), nil
}

// Update 更新进行中的命令状态
func (l *Log) Update(id string, state State, message string) error {
	if state.IsFinished() {
		return fmt.Errorf("state %s is final, use Finish", state)
	}
	return l.set(id, state, message, false)
}

// Finish 记录命令结束，文件保留到 Prune
func (l *Log) Finish(id string, state State, message string) error {
	if !state.IsFinished() {
		return fmt.Errorf("state %s is not final", state)
	}
	return l.set(id, state, message, true)
}

func (l *Log) set(id string, state State, message string, done bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	rec.State = state
	rec.Message = message
	rec.UpdatedAt = l.now()
	if err := saveJSONFile(rec.path, rec); err != nil {
		return err
	}
	if done {
		delete(l.records, id)
	}
	return nil
}

// Reconcile 启动时调用，把上次进程遗留的进行中命令改写为中断状态并返回
// PROCESSING_IN_BACKEND 表示后台任务可能仍在运行，改写为 DANGLED_IN_BACKEND。
func (l *Log) Reconcile() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.load()
	if err != nil {
		return nil, err
	}
	var changed []Record
	for _, rec := range recs {
		if _, live := l.records[rec.ID]; live {
			continue
		}
		switch rec.State {
		case StateStarted, StateProcessing:
			rec.State = StateInterrupted
		case StateProcessingInBackend:
			rec.State = StateDangledInBackend
		default:
			continue
		}
		rec.UpdatedAt = l.now()
		if err := saveJSONFile(rec.path, rec); err != nil {
			return nil, err
		}
		log.Warn().
			Str("command", rec.ID).
			Str("kind", string(rec.Kind)).
			Str("target", rec.Target).
			Str("state", string(rec.State)).
			Msg("command left over from previous run")
		changed = append(changed, *copyRecord(rec))
	}
	return changed, nil
}

// Prune 删除已结束的命令文件，known 不为 nil 时同时删除编排系统不再跟踪的命令
// 本进程内进行中的命令不会被删除。
func (l *Log) Prune(known map[string]bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if _, live := l.records[rec.ID]; live {
			continue
		}
		if !rec.State.IsFinished() && (known == nil || known[rec.ID]) {
			continue
		}
		if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove command log: %w", err)
		}
		removed++
	}
	return removed, nil
}

// List 按序号列出日志中的全部命令
func (l *Log) List() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *copyRecord(rec))
	}
	return out, nil
}

func (l *Log) load() ([]*Record, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	recs := make([]*Record, 0, len(files))
	for _, f := range files {
		rec := &Record{}
		if err := loadJSONFile(f, rec); err != nil {
			log.Warn().Err(err).Str("file", f).Msg("skip unreadable command log")
			continue
		}
		if rec.ID == "" {
			continue
		}
		rec.path = f
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, nil
}

func (l *Log) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob command logs: %w", err)
	}
	return matches, nil
}

func copyRecord(rec *Record) *Record {
	c := *rec
	c.path = ""
	return &c
}

// fileSeq 从 <seq>-<name>.json 中取出序号
func fileSeq(path string) int64 {
	base := filepath.Base(path)
	prefix, _, ok := strings.Cut(base, "-")
	if !ok {
		return 0
	}
	seq, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// fileName 去掉名字里不能出现在文件名中的字符
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, name)
}

func loadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

// saveJSONFile temp file + rename 保证原子性
func saveJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}
