package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"trustno1/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAdminConfig 提供运动参数的读取与更新（热更新基本规则）
// GET /admin/config  返回当前配置
// POST /admin/config 以 JSON 载荷更新部分字段，下一 Tick 生效
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		Gravity      *float64 `json:"gravity,omitempty"`
		BaseSpeed    *float64 `json:"base_speed,omitempty"`
		SprintSpeed  *float64 `json:"sprint_speed,omitempty"`
		JumpVelocity *float64 `json:"jump_velocity,omitempty"`
		JumpBuffer   *float64 `json:"jump_buffer,omitempty"`
		Decay        *float64 `json:"decay,omitempty"`
		MaxSpeed     *float64 `json:"max_speed,omitempty"`
		SafeSpeed    *float64 `json:"safe_speed,omitempty"`
		WorldBounds  *float64 `json:"world_bounds,omitempty"`
		FallLimit    *float64 `json:"fall_limit,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.world.Physics())
		return
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		p := s.world.Physics()
		set := func(dst *float64, v *float64) {
			if v != nil {
				*dst = *v
			}
		}
		set(&p.Gravity, body.Gravity)
		set(&p.BaseSpeed, body.BaseSpeed)
		set(&p.SprintSpeed, body.SprintSpeed)
		set(&p.JumpVelocity, body.JumpVelocity)
		set(&p.JumpBuffer, body.JumpBuffer)
		set(&p.Decay, body.Decay)
		set(&p.MaxSpeed, body.MaxSpeed)
		set(&p.SafeSpeed, body.SafeSpeed)
		set(&p.WorldBounds, body.WorldBounds)
		set(&p.FallLimit, body.FallLimit)
		if err := s.world.SetPhysics(p); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "physics": p})
		Log.Infof("physics updated: gravity=%.2f speed=%.2f/%.2f jump=%.2f decay=%.2f clamp=%.1f/%.1f bounds=%.1f",
			p.Gravity, p.BaseSpeed, p.SprintSpeed, p.JumpVelocity, p.Decay, p.SafeSpeed, p.MaxSpeed, p.WorldBounds)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
}

// HandleMetrics 输出运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"tick":        s.world.caster.CurrentTick(),
		"connections": s.reg.Len(),
		"players":     s.world.EntityCount(),
		"spectators":  s.hub.Count(),
		"ephemeral":   s.world.Ephemeral(),
		"metrics":     s.metrics.Snapshot(),
	}
	if s.persist != nil {
		payload["persist_pending"] = s.persist.Pending()
	}
	writeJSON(w, http.StatusOK, payload)
}

type playerInfo struct {
	ConnID       ConnID         `json:"conn_id"`
	RemoteAddr   string         `json:"remote_addr"`
	Name         string         `json:"name,omitempty"`
	SessionID    *uuid.UUID     `json:"session_id,omitempty"`
	Persistent   bool           `json:"persistent"`
	AuthPending  bool           `json:"auth_pending"`
	ConnectedAt  time.Time      `json:"connected_at"`
	LastActivity time.Time      `json:"last_activity"`
	Position     *protocol.Vec3 `json:"position,omitempty"`
}

// HandlePlayers 列出当前连接；位置取自最近一次快照
// GET /admin/players
func (s *Server) HandlePlayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	positions := make(map[uuid.UUID]protocol.Vec3)
	if last := s.world.caster.Last(); last != nil {
		for _, ps := range last.Players {
			positions[ps.PlayerID] = ps.Position
		}
	}
	views := s.reg.Snapshot()
	out := make([]playerInfo, 0, len(views))
	for _, v := range views {
		info := playerInfo{
			ConnID:       v.ID,
			RemoteAddr:   v.RemoteAddr,
			Name:         v.Name,
			Persistent:   v.Persistent,
			AuthPending:  v.AuthPending,
			ConnectedAt:  v.ConnectedAt,
			LastActivity: v.LastActivity,
		}
		if v.Bound {
			id := v.SessionID
			info.SessionID = &id
			if pos, ok := positions[id]; ok {
				info.Position = &pos
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":    s.world.caster.CurrentTick(),
		"players": out,
	})
}

// HandleBan 封禁账号：写库为异步，返回 202；无持久化模式下不可用
// POST /admin/ban {"username": "...", "reason": "..."}
func (s *Server) HandleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "banned by operator"
	}
	if err := s.world.Ban(username, reason); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	Log.Infof("ban queued: %s (%s) from %s", username, reason, r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "username": username})
}
