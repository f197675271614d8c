package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
)

// RegisterValidations binds the custom request validation rules to gin's validator
func RegisterValidations() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin validator engine is not go-playground/validator")
	}

	return v.RegisterValidation("validate_payload", validatePayload)
}

// NewRouter builds the task API. Probes are mounted on the same engine.
func NewRouter(serverLogic *ServerLogic, probes *Probes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	tasks := r.Group("/tasks")
	tasks.POST("", func(c *gin.Context) {
		req := domain.RouterRequestAddTask{}
		// Request binding and validation
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		taskID, err := serverLogic.AddTask(c, req)
		if err != nil {
			switch {
			case errors.Is(err, errval.ErrInvalidRequest):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, errval.ErrBrokerUnavailable):
				c.JSON(http.StatusServiceUnavailable, gin.H{"task_id": taskID, "error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusAccepted, domain.RouterResponseAddTask{TaskID: taskID})
	})

	tasks.GET("/:id", func(c *gin.Context) {
		result, err := serverLogic.GetTaskResult(c, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	tasks.GET("/:id/history", func(c *gin.Context) {
		history, err := serverLogic.GetTaskStatusHistory(c, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	tasks.POST("/:id/revoke", func(c *gin.Context) {
		err := serverLogic.RevokeTask(c, c.Param("id"))
		if err != nil {
			if errors.Is(err, errval.ErrTaskFinished) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			writeLookupError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"status": "revoke requested"})
	})

	if probes != nil {
		probes.Register(r)
	}

	return r
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, errval.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{})
}

// validatePayload accepts any well formed JSON document
var validatePayload validator.Func = func(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}

	return json.Valid(raw)
}
