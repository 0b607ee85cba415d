package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/streams"
	"github.com/tetherhq/tether/pkg/protocol"
)

// attachWait bounds how long a file transfer waits for the other party to
// show up on the stream before giving up.
const attachWait = 30 * time.Second

// handleUploadFile relays a viewer-uploaded file to a device. The bytes never
// touch disk on the server: they flow through a bounded in-memory stream that
// the agent drains from GET /agent/streams/{streamID} while the upload is
// still being read.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	// Multipart framing overhead on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes+s.maxBodyBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart file field required")
		return
	}
	defer file.Close()

	// Reject oversized files before any stream state exists.
	if header.Size > s.maxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxFileBytes))
		return
	}

	streamID := uuid.New().String()
	sig := streams.GetOrCreate[[]byte](s.registry, streamID, s.streamTTL)
	defer s.registry.Remove(streamID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The relayed call tells the agent to start pulling; it replies once the
	// transfer finished on its side, so it runs alongside the pump.
	type callResult struct {
		reply protocol.RpcReply
		err   error
	}
	callCh := make(chan callResult, 1)
	go func() {
		reply, err := s.relay.Call(ctx, identity, deviceID, protocol.TypeFileDownload,
			protocol.FileDownloadRequest{
				StreamID:        streamID,
				TargetDirectory: r.FormValue("target_directory"),
				FileName:        header.Filename,
				Size:            header.Size,
				Overwrite:       r.FormValue("overwrite") == "true",
			})
		if err != nil || !reply.OK {
			// Unblock the pump; nobody will ever drain this stream.
			sig.Cancel()
		}
		callCh <- callResult{reply, err}
	}()

	if err := streams.Pump(ctx, sig, file); err != nil {
		res := <-callCh
		switch {
		case res.err != nil:
			writeRelayError(w, res.err)
		case !res.reply.OK:
			writeError(w, http.StatusBadGateway, res.reply.Error)
		default:
			s.logger.Warn("file upload pump failed",
				"device_id", deviceID, "stream_id", streamID, "error", err)
			writeError(w, http.StatusInternalServerError, "file transfer failed")
		}
		return
	}

	res := <-callCh
	if res.err != nil {
		writeRelayError(w, res.err)
		return
	}
	if !res.reply.OK {
		writeError(w, http.StatusBadGateway, res.reply.Error)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": streamID,
		"file_name": header.Filename,
		"size":      header.Size,
	})
}

// handleDownloadFile relays a file from a device to the viewer. The agent is
// asked to push the file; it answers with the metadata, posts the bytes to
// POST /agent/streams/{streamID}, and the handler drains them straight into
// the response.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}

	streamID := uuid.New().String()
	sig := streams.GetOrCreate[[]byte](s.registry, streamID, s.streamTTL)
	defer s.registry.Remove(streamID)

	reply, err := s.relay.Call(r.Context(), identity, deviceID, protocol.TypeFileUpload,
		protocol.FileUploadRequest{StreamID: streamID, FilePath: path})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	if !reply.OK {
		writeError(w, http.StatusBadGateway, reply.Error)
		return
	}

	var meta protocol.FileUploadResponse
	if err := json.Unmarshal(reply.Result, &meta); err != nil {
		writeError(w, http.StatusBadGateway, "malformed agent response")
		return
	}

	if err := sig.WaitForAttach(r.Context(), attachWait); err != nil {
		s.logger.Warn("agent never attached to download stream",
			"device_id", deviceID, "stream_id", streamID, "error", err)
		writeError(w, http.StatusGatewayTimeout, "device did not start the transfer")
		return
	}

	name := meta.FileDisplayName
	if name == "" {
		name = "download"
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if meta.FileSize > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.FileSize))
	}

	if _, err := streams.Drain(r.Context(), sig, w); err != nil {
		// Headers are gone; all we can do is log and cut the body short.
		s.logger.Warn("file download drain failed",
			"device_id", deviceID, "stream_id", streamID, "error", err)
	}
}

// handleAgentStreamPull serves a pending viewer-uploaded stream to its agent.
func (s *Server) handleAgentStreamPull(w http.ResponseWriter, r *http.Request) {
	agent := getAgentFromContext(r.Context())
	streamID := chi.URLParam(r, "streamID")

	sig := streams.GetOrCreate[[]byte](s.registry, streamID, s.streamTTL)

	w.Header().Set("Content-Type", "application/octet-stream")
	written, err := streams.Drain(r.Context(), sig, w)
	if err != nil {
		s.logger.Warn("agent stream pull failed",
			"device_id", agent.DeviceID, "stream_id", streamID, "error", err)
		return
	}
	s.logger.Debug("agent stream pull complete",
		"device_id", agent.DeviceID, "stream_id", streamID, "bytes", written)
}

// handleAgentStreamPush receives file bytes from an agent and pumps them into
// the stream a viewer download is draining.
func (s *Server) handleAgentStreamPush(w http.ResponseWriter, r *http.Request) {
	agent := getAgentFromContext(r.Context())
	streamID := chi.URLParam(r, "streamID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes)
	sig := streams.GetOrCreate[[]byte](s.registry, streamID, s.streamTTL)

	if err := streams.Pump(r.Context(), sig, r.Body); err != nil {
		s.logger.Warn("agent stream push failed",
			"device_id", agent.DeviceID, "stream_id", streamID, "error", err)
		writeError(w, http.StatusInternalServerError, "stream transfer failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}
