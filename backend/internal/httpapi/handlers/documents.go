package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/store"

	"github.com/gin-gonic/gin"
)

type Documents struct {
	svc      collab.Service
	presence cache.PresenceCache
}

func NewDocuments(svc collab.Service, presence cache.PresenceCache) *Documents {
	return &Documents{svc: svc, presence: presence}
}

// Register 挂到已经带鉴权中间件的路由组上
func (d *Documents) Register(g *gin.RouterGroup) {
	g.POST("/documents", d.CreateDocument)
	g.GET("/documents/:documentID", d.GetDocument)
	g.GET("/documents/:documentID/ops", d.GetOps)
	g.POST("/documents/:documentID/snapshot", d.SaveSnapshot)
	g.GET("/documents/:documentID/members", d.GetMembers)
}

type createDocumentReq struct {
	Title string `json:"title" binding:"required"`
}

func (d *Documents) CreateDocument(c *gin.Context) {
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	ownerID := c.GetUint64("userId")
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := d.svc.CreateDocument(c.Request.Context(), ownerID, req.Title); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	docID, err := d.svc.GetDocumentID(c.Request.Context(), req.Title)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "ownerId": ownerID, "title": req.Title, "createdAt": time.Now().Format(time.RFC3339)})
}

func (d *Documents) GetDocument(c *gin.Context) {
	documentID := c.Param("documentID")
	content, version, err := d.svc.LoadDocumentContent(c.Request.Context(), documentID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": documentID, "version": version, "content": content})
}

// GetOps 追平：?from=版本&limit=条数
func (d *Documents) GetOps(c *gin.Context) {
	documentID := c.Param("documentID")
	from, err := strconv.Atoi(c.DefaultQuery("from", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	ops, err := d.svc.OpsSince(c.Request.Context(), documentID, from, limit)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": documentID, "ops": ops})
}

func (d *Documents) SaveSnapshot(c *gin.Context) {
	documentID := c.Param("documentID")
	if err := d.svc.SaveSnapshot(c.Request.Context(), documentID); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	version, _ := d.svc.CurrentVersion(c.Request.Context(), documentID)
	c.JSON(http.StatusOK, gin.H{"id": documentID, "version": version})
}

func (d *Documents) GetMembers(c *gin.Context) {
	documentID := c.Param("documentID")
	ctx := c.Request.Context()
	members, err := d.presence.GetAliveMembersWithNames(ctx, documentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	selections, err := d.presence.GetSelections(ctx, documentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": documentID, "members": members, "selections": selections})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrDocumentNotFound), errors.Is(err, collab.ErrDocumentNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrStoreNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
