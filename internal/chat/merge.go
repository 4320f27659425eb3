package chat

import (
	"sort"
	"time"

	"github.com/supportsync/internal/model"
)

// pendingEntry — оптимистичное сообщение, ждущее серверного двойника.
// afterID — максимальный известный id на момент отправки: двойник может быть только новее.
type pendingEntry struct {
	msg     model.Message
	sentAt  time.Time
	afterID int64
}

// supersedes сообщает, заменяет ли серверное сообщение m оптимистичную запись p.
// Совпадение по ClientKey точное; без ключа — тот же отправитель, тот же текст и
// CreatedAt в пределах окна от момента отправки.
func supersedes(p pendingEntry, m model.Message, window time.Duration) bool {
	if m.ID == nil || *m.ID <= p.afterID {
		return false
	}
	if m.ClientKey != "" {
		return m.ClientKey == p.msg.ClientKey
	}
	if !m.SameSender(p.msg) || m.Body != p.msg.Body || m.CreatedAt == nil {
		return false
	}
	d := m.CreatedAt.Sub(p.sentAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// reconcile снимает оптимистичные записи, у которых появился серверный двойник.
// Сопоставление один к одному: сначала по ключу, затем по содержимому, старшие записи первыми.
// claimed — id, уже заменившие какую-то запись; дополняется найденными.
func reconcile(pending []pendingEntry, byID map[int64]model.Message, claimed map[int64]struct{}, window time.Duration) []pendingEntry {
	if len(pending) == 0 {
		return pending
	}
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		if _, ok := claimed[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	done := make([]bool, len(pending))
	claim := func(i int, id int64) {
		done[i] = true
		claimed[id] = struct{}{}
	}
	for i, p := range pending {
		for _, id := range ids {
			m := byID[id]
			if _, ok := claimed[id]; ok || m.ClientKey == "" {
				continue
			}
			if supersedes(p, m, window) {
				claim(i, id)
				break
			}
		}
	}
	for i, p := range pending {
		if done[i] {
			continue
		}
		for _, id := range ids {
			m := byID[id]
			if _, ok := claimed[id]; ok || m.ClientKey != "" {
				continue
			}
			if supersedes(p, m, window) {
				claim(i, id)
				break
			}
		}
	}

	out := pending[:0]
	for i, p := range pending {
		if !done[i] {
			out = append(out, p)
		}
	}
	return out
}

// lessMessage — порядок списка: CreatedAt по возрастанию, без времени в конце,
// при равенстве серверные раньше оптимистичных, затем по id.
func lessMessage(a, b model.Message) bool {
	switch {
	case a.CreatedAt != nil && b.CreatedAt != nil && !a.CreatedAt.Equal(*b.CreatedAt):
		return a.CreatedAt.Before(*b.CreatedAt)
	case (a.CreatedAt == nil) != (b.CreatedAt == nil):
		return a.CreatedAt != nil
	case a.Optimistic() != b.Optimistic():
		return !a.Optimistic()
	default:
		return a.IDValue() < b.IDValue()
	}
}

// mergedList собирает видимый список: серверные сообщения и оставшиеся оптимистичные.
func mergedList(byID map[int64]model.Message, pending []pendingEntry) []model.Message {
	out := make([]model.Message, 0, len(byID)+len(pending))
	for _, m := range byID {
		out = append(out, m)
	}
	for _, p := range pending {
		out = append(out, p.msg)
	}
	// оптимистичные добавлены в порядке отправки, стабильная сортировка его сохраняет
	sort.SliceStable(out, func(i, j int) bool { return lessMessage(out[i], out[j]) })
	return out
}
