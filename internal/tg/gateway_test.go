package tg

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		user tgbotapi.User
		want string
	}{
		{tgbotapi.User{FirstName: "Ana", LastName: "Pérez"}, "Ana Pérez"},
		{tgbotapi.User{FirstName: "Ana"}, "Ana"},
		{tgbotapi.User{UserName: "anap"}, "anap"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, displayName(&tt.user))
	}
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, "audio/ogg", orDefault("", "audio/ogg"))
	assert.Equal(t, "audio/mp4", orDefault("audio/mp4", "audio/ogg"))
}
