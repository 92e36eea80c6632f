package middleware

import "github.com/gin-gonic/gin"

// errorBody matches the handlers' error shape so every rejection reads the
// same to clients.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: message})
}
