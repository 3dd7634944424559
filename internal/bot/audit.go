package bot

import (
	"prayerbot/internal/notifier/broadcast"
	"prayerbot/internal/storage"
	"prayerbot/internal/transport/telegram/router"
)

// auditFromStatus counts unreachable chats as failures.
func auditFromStatus(req *router.Request, st broadcast.JobStatus) storage.AuditEntry {
	e := storage.AuditEntry{
		At:      st.DoneAt,
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  "broadcast",
		Target:  st.ID,
		OK:      st.Done - st.Failed,
		Fail:    st.Failed,
		Error:   st.LastError,
		TookMS:  st.Took().Milliseconds(),
	}
	if e.At.IsZero() {
		e.At = st.CreatedAt
	}
	return e
}
