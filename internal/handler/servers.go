package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/tcpingd/internal/inventory"
)

type serversResponse struct {
	Servers []inventory.Server `json:"servers"`
}

func (h *Handler) getServers(c *gin.Context) {
	servers := h.inventory.Servers()
	if servers == nil {
		servers = []inventory.Server{}
	}
	c.JSON(http.StatusOK, serversResponse{Servers: servers})
}

type statesResponse struct {
	Data []inventory.ServerState `json:"data"`
}

// getServerStates returns the load snapshots of one server at or after
// since, or everything retained when since is omitted.
func (h *Handler) getServerStates(c *gin.Context) {
	since, err := parseTime(c.Query("since"))
	if err != nil {
		writeError(c, badParam("since", "%v", err))
		return
	}

	states, err := h.inventory.States(c.Param("serverId"), since)
	if err != nil {
		writeError(c, err)
		return
	}
	if states == nil {
		states = []inventory.ServerState{}
	}
	c.JSON(http.StatusOK, statesResponse{Data: states})
}
