package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 meta 事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復 meta 狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
//
// 序號在旋轉後繼續遞增，快照記錄 LastSeq，重放時跳過已包含在快照中的事件。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

// NewWAL 建立或開啟一個 WAL 實例
//
// 行為：
//   - 如果檔案不存在，建立新檔案，seq 從 0 開始
//   - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
//   - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
//
// bufferSize 為批次寫入的事件數上限，小於 1 時視為 1。
func NewWAL(path string, syncOnAppend bool, bufferSize int) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil && !errors.Is(err, ErrEmptyWAL) {
			file.Close()
			return nil, err
		}
		if last != nil {
			seq = last.Seq
		}
	}

	if bufferSize < 1 {
		bufferSize = 1
	}
	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, bufferSize),
		bufferSize:    bufferSize,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
//   - 自動遞增 seq
//   - 計算 checksum
//   - 寫入檔案並同步到磁碟（forceFlush 或 syncOnAppend 時立即同步，否則批次同步）
//
// 回傳事件序號。
func (w *WAL) Append(eventType EventType, payload any, forceFlush bool) (uint64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal %s payload: %w", eventType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Payload:   body,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, body, w.seq)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq 大於 after 的所有事件
//
// 行為：
//   - 從頭讀取 WAL 檔案
//   - 驗證每個事件的 checksum
//   - 呼叫 handler 應用事件
//   - 遇到錯誤立即停止
func (w *WAL) Replay(after uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastGood uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastGood, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.Payload, event.Seq),
				Actual:   event.Checksum,
			}
		}
		lastGood = event.Seq
		if event.Seq <= after {
			continue
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("wal: replay seq=%d %s: %w", event.Seq, event.Type, err)
		}
	}
	return nil
}

// Rotate 旋轉日誌檔案，舊檔案以時間戳備份。序號不歸零。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq 確保序號不小於 seq
//
// 用途：快照後 WAL 已旋轉為空檔，重新開啟時序號需從快照的 last_seq 繼續
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < seq {
		w.seq = seq
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件（從頭掃描）
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		err := decoder.Decode(&event)
		if err == io.EOF {
			break
		}
		if err != nil {
			// 尾端半寫入的事件視為未寫入
			if last == nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
			}
			break
		}
		last = &event
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}
