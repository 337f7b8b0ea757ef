package ledger

import "time"

// Prepare 校验并补全条目，供账本后端在取得上一条证据后调用
//
// 参数：
//   - entry: 待追加的条目，补全结果直接写回
//   - lastSeq: 该事务当前最大序号，没有证据时为 0
//   - lastTS: 该事务最后一条证据的时间，没有证据时为零值
//   - now: 当前时间
func Prepare(entry *Entry, lastSeq int64, lastTS time.Time, now time.Time) error {
	return prepare(entry, lastSeq, lastTS, now)
}
