package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"trustno1/protocol"
)

// JournalEntry 持久化工作协程处理过的一条命令（从不记录口令）
type JournalEntry struct {
	Seq      uint64         `json:"seq"`
	Time     time.Time      `json:"time"`
	Op       string         `json:"op"`
	ConnID   uint64         `json:"conn_id,omitempty"`
	PlayerID string         `json:"player_id,omitempty"`
	Username string         `json:"username,omitempty"`
	Mode     string         `json:"mode,omitempty"`
	Position *protocol.Vec3 `json:"position,omitempty"`
	Online   *bool          `json:"online,omitempty"`
	OK       bool           `json:"ok"`
	Err      string         `json:"err,omitempty"`
}

// segment 一个按天切分的压缩文件
type segment struct {
	day string
	f   *os.File
	zw  *zstd.Encoder
	bw  *bufio.Writer
	enc *json.Encoder
}

func (s *segment) close() error {
	flushErr := s.bw.Flush()
	zErr := s.zw.Close()
	fErr := s.f.Close()
	for _, err := range []error{flushErr, zErr, fErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Journal 按天切分的 zstd 压缩 JSONL 流水，序号跨文件递增
type Journal struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
	cur *segment
}

func NewJournal(dir, prefix string) *Journal {
	return &Journal{
		dir:    dir,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record 追加一条流水并立即刷到磁盘上的压缩帧
func (j *Journal) Record(e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if e.Time.IsZero() {
		e.Time = now
	}
	seg, err := j.segmentFor(now)
	if err != nil {
		return err
	}
	j.seq++
	e.Seq = j.seq
	if err := seg.enc.Encode(e); err != nil {
		return fmt.Errorf("journal encode: %w", err)
	}
	if err := seg.bw.Flush(); err != nil {
		return err
	}
	return seg.zw.Flush()
}

// Seq 已写入的条数
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cur == nil {
		return nil
	}
	err := j.cur.close()
	j.cur = nil
	return err
}

func (j *Journal) segmentFor(now time.Time) (*segment, error) {
	day := now.Format("2006-01-02")
	if j.cur != nil && j.cur.day == day {
		return j.cur, nil
	}
	if j.cur != nil {
		if err := j.cur.close(); err != nil {
			return nil, fmt.Errorf("journal rotate: %w", err)
		}
		j.cur = nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(j.pathFor(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	bw := bufio.NewWriter(zw)
	j.cur = &segment{day: day, f: f, zw: zw, bw: bw, enc: json.NewEncoder(bw)}
	return j.cur, nil
}

func (j *Journal) pathFor(day string) string {
	return filepath.Join(j.dir, j.prefix+"-"+day+".jsonl.zst")
}
