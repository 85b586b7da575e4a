package operator

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	jwtpkg "github.com/mx-space/guard/internal/pkg/jwt"
	"github.com/mx-space/guard/internal/pkg/response"
	"golang.org/x/crypto/bcrypt"
)

const (
	// OperatorID is the subject of console-issued tokens.
	OperatorID = "operator"

	tokenTTL = 12 * time.Hour
)

var errWrongPassword = errors.New("wrong operator password")

// Service authenticates the admin console against the bcrypt hash from
// config and issues short-lived operator tokens.
type Service struct {
	passwordHash string
}

func NewService(passwordHash string) *Service {
	return &Service{passwordHash: passwordHash}
}

// Enabled reports whether an operator password is configured at all.
func (s *Service) Enabled() bool { return s.passwordHash != "" }

func (s *Service) Login(password string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("operator login is not configured")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
		time.Sleep(3 * time.Second)
		return "", errWrongPassword
	}
	return jwtpkg.Sign(OperatorID, tokenTTL)
}

type loginDTO struct {
	Password string `json:"password" binding:"required"`
}

// RegisterRoutes mounts the login endpoint.
func (s *Service) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/login", func(c *gin.Context) {
		var dto loginDTO
		if err := c.ShouldBindJSON(&dto); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		token, err := s.Login(dto.Password)
		if err != nil {
			response.Unauthorized(c)
			return
		}
		response.OK(c, gin.H{"token": token})
	})
}
