package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pentagridsec/smsgate/internal/sms"
)

type sendSMSRequest struct {
	Token     string `json:"token"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type sendSMSResponse struct {
	SMSID string `json:"sms_id"`
}

type deliveryStatusRequest struct {
	Token string `json:"token"`
	SMSID string `json:"sms_id"`
}

type deliveryStatusResponse struct {
	Delivered bool `json:"delivered"`
}

type getSMSRequest struct {
	Token       string `json:"token"`
	PhoneNumber string `json:"phone_number"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type healthStateResponse struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type sendUSSDRequest struct {
	Token    string `json:"token"`
	Sender   string `json:"sender"`
	USSDCode string `json:"ussd_code"`
}

type ussdResponse struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

// handlePing answers unauthenticated reachability checks.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "OK")
}

// handleSendSMS enqueues an SMS for delivery. Sending SMS may be used
// to commit fraud, so the method is disabled unless the configuration
// enables it.
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.API.EnableSendSMS {
		writeFault(w, http.StatusMethodNotAllowed, "This API function is not enabled.")
		return
	}

	var req sendSMSRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Token, s.cfg.API.TokenSendSMS) {
		return
	}

	recipient := sms.CleanPhoneNumber(req.Recipient)
	if recipient == "" {
		writeFault(w, http.StatusBadRequest, "Invalid recipient format.")
		return
	}

	sender := req.Sender
	if sender != "" {
		sender = sms.CleanPhoneNumber(sender)
		if sender == "" {
			writeFault(w, http.StatusBadRequest, "Invalid sender format.")
			return
		}
	}

	id := s.pool.SendSMS(sms.New(sender, recipient, req.Message))
	writeJSON(w, http.StatusOK, sendSMSResponse{SMSID: id})
}

// handleGetDeliveryStatus reports whether an SMS has left the gateway.
// The method shares the send_sms token list.
func (s *Server) handleGetDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var req deliveryStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Token, s.cfg.API.TokenSendSMS) {
		return
	}

	s.log.Info().Str("sms_id", req.SMSID).Msg("Request delivery status.")
	writeJSON(w, http.StatusOK, deliveryStatusResponse{Delivered: s.pool.DeliveryStatus(req.SMSID)})
}

// handleGetSMS returns the buffered inbound SMS of every modem the
// token may read. An empty phone number addresses all modems.
func (s *Server) handleGetSMS(w http.ResponseWriter, r *http.Request) {
	var req getSMSRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.log.Info().Str("phone_number", req.PhoneNumber).Msg("Fetch SMS for phone number.")

	ids := s.pool.IdentifiersForPhoneNumber(req.PhoneNumber)
	list := make([]*sms.SMS, 0)
	matched := false
	for _, id := range ids {
		if CheckTokenInList(req.Token, s.cfg.API.TokenGetSMS[id]) {
			matched = true
			list = append(list, s.pool.BufferedSMS(id)...)
		}
	}
	if len(ids) > 0 && !matched {
		s.log.Error().Str("client", r.RemoteAddr).Str("token", req.Token).Msg("Invalid API token sent by client.")
		writeFault(w, http.StatusUnauthorized, "Invalid API token.")
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// handleGetHealthState reports the worst health level of the pool, the
// mail relay and this endpoint.
func (s *Server) handleGetHealthState(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Token, s.cfg.API.TokenGetHealthState) {
		return
	}

	level, msg := s.combinedHealth()
	writeJSON(w, http.StatusOK, healthStateResponse{Level: level.String(), Message: msg})
}

// handleSendUSSD runs a USSD code on the modem owning the sender
// number and returns the decoded network response. USSD codes can
// change billing plans, so the method is disabled unless the
// configuration enables it.
func (s *Server) handleSendUSSD(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.API.EnableSendUSSD {
		writeFault(w, http.StatusMethodNotAllowed, "This API function is not enabled.")
		return
	}

	var req sendUSSDRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Token, s.cfg.API.TokenSendUSSD) {
		return
	}

	s.log.Info().Str("ussd_code", req.USSDCode).Str("sender", req.Sender).Msg("Sending USSD code.")

	ids := s.pool.IdentifiersForPhoneNumber(req.Sender)
	if len(ids) == 0 {
		msg := fmt.Sprintf("Modem could not be identified for phone number %s.", req.Sender)
		s.log.Error().Msg(msg)
		writeJSON(w, http.StatusOK, ussdResponse{Status: "ERROR", Response: msg})
		return
	}

	worker, ok := s.pool.WorkerByIdentifier(ids[0])
	if !ok {
		msg := fmt.Sprintf("Modem could not be identified for phone number %s.", req.Sender)
		s.log.Error().Msg(msg)
		writeJSON(w, http.StatusOK, ussdResponse{Status: "ERROR", Response: msg})
		return
	}

	resp, err := worker.SendUSSD(r.Context(), req.USSDCode)
	if err != nil || resp == "" {
		s.log.Error().Err(err).Msg("Failed to send USSD code.")
		writeJSON(w, http.StatusOK, ussdResponse{Status: "ERROR", Response: "Failed to send USSD code."})
		return
	}

	s.log.Info().Str("response", resp).Msg("USSD code sent.")
	s.log.Debug().Hex("response_bytes", []byte(resp)).Msg("USSD response dump.")
	writeJSON(w, http.StatusOK, ussdResponse{Status: "OK", Response: resp})
}

// handleGetStats returns per-modem statistics keyed by identifier.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Token, s.cfg.API.TokenGetStats) {
		return
	}

	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFault(w, http.StatusBadRequest, "Invalid request body.")
		return false
	}
	return true
}

// authorize checks the presented token against a hash list and writes
// the 401 fault on mismatch.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, token string, hashes []string) bool {
	if CheckTokenInList(token, hashes) {
		return true
	}
	s.log.Error().Str("client", r.RemoteAddr).Str("token", token).Msg("Invalid API token sent by client.")
	writeFault(w, http.StatusUnauthorized, "Invalid API token.")
	return false
}
