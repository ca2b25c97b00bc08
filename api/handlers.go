package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/yllada/wg-manager/common"
	"github.com/yllada/wg-manager/manager"
	"github.com/yllada/wg-manager/wireguard"
)

// peerResponse is the public view of a peer. Private key material is
// only ever emitted through the client-config endpoints.
type peerResponse struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	PublicKey     string    `json:"public_key"`
	Address       string    `json:"address"`
	AllowedRanges []string  `json:"allowed_ranges,omitempty"`
	Keepalive     int       `json:"keepalive"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toPeerResponse(peer wireguard.Peer) peerResponse {
	return peerResponse{
		ID:            peer.ID,
		Name:          peer.Name,
		PublicKey:     peer.PublicKey,
		Address:       peer.Address.String(),
		AllowedRanges: peer.AllowedRanges,
		Keepalive:     peer.Keepalive,
		Enabled:       peer.Enabled,
		CreatedAt:     peer.CreatedAt,
		UpdatedAt:     peer.UpdatedAt,
	}
}

// interfaceResponse is the public view of the interface settings. The
// host private key never leaves the process.
type interfaceResponse struct {
	PublicKey  string   `json:"public_key"`
	ListenPort int      `json:"listen_port"`
	Subnet     string   `json:"subnet"`
	Address    string   `json:"address"`
	MTU        int      `json:"mtu"`
	Endpoint   string   `json:"endpoint"`
	DNS        []string `json:"dns,omitempty"`
}

func toInterfaceResponse(s wireguard.InterfaceSettings) interfaceResponse {
	return interfaceResponse{
		PublicKey:  s.PublicKey,
		ListenPort: s.ListenPort,
		Subnet:     s.Subnet.String(),
		Address:    s.Address().String(),
		MTU:        s.MTU,
		Endpoint:   s.Endpoint,
		DNS:        s.DNS,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "wg-manager",
		"version": common.AppVersion,
	})
}

func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	var draft manager.PeerDraft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, err)
		return
	}

	peer, err := s.manager.CreatePeer(r.Context(), draft)
	if err != nil && peer == nil {
		writeError(w, err)
		return
	}

	body := struct {
		peerResponse
		Warning string `json:"warning,omitempty"`
	}{peerResponse: toPeerResponse(*peer)}
	if err != nil {
		// Persisted but not yet live; surface the condition without
		// failing the request.
		body.Warning = fmt.Sprintf("peer registered but interface reload failed: %v", err)
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.manager.ListPeers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]peerResponse, 0, len(peers))
	for _, peer := range peers {
		out = append(out, toPeerResponse(peer))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	peer, err := s.manager.GetPeer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeerResponse(*peer))
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.DeletePeer(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// peerConfigResponse is the structured client configuration, carrying
// the same material as the downloadable file.
type peerConfigResponse struct {
	Filename        string   `json:"filename"`
	Address         string   `json:"address"`
	PrivateKey      string   `json:"private_key"`
	PresharedKey    string   `json:"preshared_key,omitempty"`
	DNS             []string `json:"dns,omitempty"`
	ServerPublicKey string   `json:"server_public_key"`
	Endpoint        string   `json:"endpoint"`
	AllowedIPs      []string `json:"allowed_ips"`
	Keepalive       int      `json:"keepalive"`
	ConfigText      string   `json:"config_text"`
}

func (s *Server) handlePeerConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	peer, err := s.manager.GetPeer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	settings, err := s.manager.GetInterface(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	text, filename, err := s.manager.PeerConfigText(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	allowed := peer.AllowedRanges
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0"}
	}
	writeJSON(w, http.StatusOK, peerConfigResponse{
		Filename:        filename,
		Address:         peer.Address.String() + "/32",
		PrivateKey:      peer.PrivateKey,
		PresharedKey:    peer.PresharedKey,
		DNS:             settings.DNS,
		ServerPublicKey: settings.PublicKey,
		Endpoint:        settings.Endpoint,
		AllowedIPs:      allowed,
		Keepalive:       peer.Keepalive,
		ConfigText:      text,
	})
}

func (s *Server) handlePeerConfigText(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	text, filename, err := s.manager.PeerConfigText(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, text)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Metrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePeerMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.manager.PeerSessionMetrics(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetInterface(w http.ResponseWriter, r *http.Request) {
	settings, err := s.manager.GetInterface(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInterfaceResponse(*settings))
}

func (s *Server) handleInitInterface(w http.ResponseWriter, r *http.Request) {
	var draft manager.InterfaceDraft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, err)
		return
	}
	settings, err := s.manager.InitializeInterface(r.Context(), draft)
	if err != nil && settings == nil {
		writeError(w, err)
		return
	}

	body := struct {
		interfaceResponse
		Warning string `json:"warning,omitempty"`
	}{interfaceResponse: toInterfaceResponse(*settings)}
	if err != nil {
		body.Warning = fmt.Sprintf("settings saved but interface bring-up failed: %v", err)
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Sync(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: bad peer id %q", common.ErrValidation, raw)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		common.LogError("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrConflict),
		errors.Is(err, common.ErrAlreadyInitialized),
		errors.Is(err, common.ErrNotInitialized),
		errors.Is(err, common.ErrPoolExhausted):
		status = http.StatusConflict
	case errors.Is(err, common.ErrDriverFailure):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		common.LogError("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
