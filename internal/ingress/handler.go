package ingress

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mxrelay/internal/message"
	logx "mxrelay/pkg/logx"
)

// Submission headers. Senders are shell scripts and monitoring hooks,
// so the contract is headers plus a raw body rather than a JSON
// envelope.
const (
	headerAPIKey   = "Api-Key-Here"
	headerSendTo   = "Send-To"
	headerFileName = "File-Name"
)

const (
	defaultMaxBodyBytes = 10 << 20
	maxMultipartMemory  = 4 << 20
)

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Senders post to whatever path they like; only the method matters.
	r.Post("/*", s.handleSubmit)
	return r
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	cur := s.snapshot()

	if key := r.Header.Get(headerAPIKey); cur.APIKey == "" || key != cur.APIKey {
		s.log.Debug("rejected submission: bad api key", logx.String("remote", r.RemoteAddr))
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	limit := cur.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	msg, err := s.buildMessage(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		var verr *message.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case s.queue <- msg:
	default:
		s.log.Warn("submission queue full, rejecting",
			logx.String("remote", r.RemoteAddr))
		http.Error(w, "submission queue full, retry later", http.StatusServiceUnavailable)
		return
	}

	s.log.Debug("submission accepted",
		logx.String("message_id", msg.ID),
		logx.String("kind", string(msg.Kind)),
		logx.String("recipient", msg.Recipient.String()),
		logx.String("request_id", middleware.GetReqID(r.Context())),
	)
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "accepted %s\n", msg.ID)
}

// buildMessage maps the request onto a submission:
//   - multipart/form-data: text from the "Message" field
//   - text/plain: text from the raw body
//   - anything else (or no content type): media, named by File-Name
func (s *Service) buildMessage(r *http.Request) (*message.Message, error) {
	sendTo := r.Header.Get(headerSendTo)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, err
		}
		return message.NewText(sendTo, []byte(r.FormValue("Message")))
	case "text/plain":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return message.NewText(sendTo, body)
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return message.NewMedia(sendTo, r.Header.Get(headerFileName), body)
	}
}
