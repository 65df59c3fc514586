package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/session"
	"github.com/fheplinko/backend/internal/store"
	"github.com/gin-gonic/gin"
)

// playStatus maps a finished play to an HTTP status.
func playStatus(ps *session.PlaySession) int {
	if ps.State != session.StateAborted {
		return http.StatusOK
	}
	switch ps.AbortReason {
	case session.ReasonRateLimited:
		return http.StatusTooManyRequests
	case session.ReasonAlreadyInFlight:
		return http.StatusConflict
	case session.ReasonUserCancelled:
		return http.StatusPaymentRequired
	case session.ReasonResultInconsistency:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// StartPlay starts a play for the signed-in wallet. With "wait" the
// response is the finished play; otherwise it returns 202 with the id and
// progress arrives over the websocket. Client seeds are honoured only when
// allowSeed is set.
func StartPlay(ctrl *session.Controller, allowSeed bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Player string `json:"player"`
			Wager  uint64 `json:"wager"`
			Seed   string `json:"seed"`
			Wait   bool   `json:"wait"`
		}
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		pr := session.PlayRequest{Player: walletFrom(c, req.Player), Wager: req.Wager}
		if req.Seed != "" {
			if !allowSeed {
				c.JSON(http.StatusBadRequest, gin.H{"error": "seed may not be chosen by the client"})
				return
			}
			seed, err := game.ParseSeed(req.Seed)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			pr.Seed = &seed
		}

		// A started play runs to completion even if the client goes away.
		ctx := context.WithoutCancel(c.Request.Context())

		if req.Wait {
			ps, err := ctrl.Play(ctx, pr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(playStatus(ps), ps)
			return
		}

		ps, err := ctrl.Start(ctx, pr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": ps.ID, "state": ps.State, "player": ps.Player, "wager": ps.Wager})
	}
}

// lookupPlay finds a play in the controller, then in the archive.
func lookupPlay(ctx context.Context, ctrl *session.Controller, plays *store.Plays, id string) (*session.PlaySession, error) {
	ps, err := ctrl.Get(ctx, id)
	if err == nil {
		return &ps, nil
	}
	if !errors.Is(err, session.ErrNotFound) || plays == nil {
		return nil, err
	}
	rec, err := plays.GetPlay(ctx, id)
	if err != nil {
		return nil, err
	}
	return store.SessionFromRecord(rec)
}

func GetPlay(ctrl *session.Controller, plays *store.Plays) gin.HandlerFunc {
	return func(c *gin.Context) {
		ps, err := lookupPlay(c.Request.Context(), ctrl, plays, c.Param("id"))
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "play not found"})
			return
		}
		if err != nil {
			log.Printf("[PLAY] lookup %s failed: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load play"})
			return
		}
		c.JSON(http.StatusOK, ps)
	}
}

// ReplayPlay reruns a finished play from its seed so anyone can check the
// recorded slot.
func ReplayPlay(ctrl *session.Controller, plays *store.Plays) gin.HandlerFunc {
	return func(c *gin.Context) {
		ps, err := lookupPlay(c.Request.Context(), ctrl, plays, c.Param("id"))
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "play not found"})
			return
		}
		if err != nil {
			log.Printf("[PLAY] lookup %s failed: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load play"})
			return
		}
		if ps.Outcome == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "play has no outcome to replay", "state": ps.State})
			return
		}

		out, ok, err := ctrl.Replay(*ps)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay play"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":       ps.ID,
			"seed":     ps.Seed.String(),
			"recorded": ps.Outcome,
			"replayed": out,
			"matches":  ok,
		})
	}
}
