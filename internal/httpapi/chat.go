package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/memosync/internal/memosync"
)

const skillSecretHeader = "X-Memosync-Skill-Secret"

var linkCommands = []string{"/link ", "/연결 "}

type kakaoSkillRequest struct {
	UserRequest struct {
		Utterance string `json:"utterance"`
		User      struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"userRequest"`
}

type kakaoSkillResponse struct {
	Version  string        `json:"version"`
	Template kakaoTemplate `json:"template"`
}

type kakaoTemplate struct {
	Outputs []kakaoOutput `json:"outputs"`
}

type kakaoOutput struct {
	SimpleText kakaoSimpleText `json:"simpleText"`
}

type kakaoSimpleText struct {
	Text string `json:"text"`
}

func kakaoText(text string) kakaoSkillResponse {
	return kakaoSkillResponse{
		Version:  "2.0",
		Template: kakaoTemplate{Outputs: []kakaoOutput{{SimpleText: kakaoSimpleText{Text: text}}}},
	}
}

// handleKakaoSkill answers every well-formed skill call with 200 unless the
// chat user is rate limited; the chat platform shows the message text to the
// user.
func (s *Server) handleKakaoSkill(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.SkillSecret != "" {
		got := r.Header.Get(skillSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.SkillSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid skill secret", correlationID)
			return
		}
	}
	var req kakaoSkillRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx := memosync.WithCorrelationID(r.Context(), correlationID)
	chatUserID := strings.TrimSpace(req.UserRequest.User.ID)
	utterance := strings.TrimSpace(req.UserRequest.Utterance)
	logger := s.logger.With("correlation_id", correlationID, "chat_user_id", chatUserID)

	if chatUserID == "" {
		writeJSON(w, http.StatusOK, kakaoText("Could not identify your chat account."))
		return
	}
	if !s.allowRequest(w, "chat:"+chatUserID, correlationID) {
		return
	}
	if code, ok := linkCode(utterance); ok {
		_, err := s.service.LinkChatAccount(ctx, chatUserID, code)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, kakaoText("Your account is linked. Send any message to save it as a memo."))
		case errors.Is(err, memosync.ErrNotFound), errors.Is(err, memosync.ErrInvalidInput):
			writeJSON(w, http.StatusOK, kakaoText("That link code is not valid."))
		case errors.Is(err, memosync.ErrLinkCodeExpired):
			writeJSON(w, http.StatusOK, kakaoText("That link code has expired. Issue a new one in the app."))
		case errors.Is(err, memosync.ErrTooManyAttempts):
			writeJSON(w, http.StatusOK, kakaoText("Too many invalid link codes. Wait a few minutes and try again."))
		default:
			logger.Error("link chat account failed", "error", err)
			writeJSON(w, http.StatusOK, kakaoText("Something went wrong. Please try again."))
		}
		return
	}
	if utterance == "" {
		writeJSON(w, http.StatusOK, kakaoText("Send a message to save it as a memo."))
		return
	}

	rec, err := s.service.CaptureChatMemo(ctx, chatUserID, utterance)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, kakaoText("Saved: "+rec.Summary))
	case errors.Is(err, memosync.ErrNotLinked):
		writeJSON(w, http.StatusOK, kakaoText("This chat is not linked yet. Issue a link code in the app and send /link <code>."))
	default:
		logger.Error("chat capture failed", "error", err)
		writeJSON(w, http.StatusOK, kakaoText("Something went wrong. Please try again."))
	}
}

func linkCode(utterance string) (string, bool) {
	for _, prefix := range linkCommands {
		if strings.HasPrefix(utterance, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(utterance, prefix)), true
		}
	}
	return "", false
}
