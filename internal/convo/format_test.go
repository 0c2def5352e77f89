package convo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bot-tienda/internal/repo"
)

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "$0"},
		{999, "$999"},
		{1000, "$1.000"},
		{45900, "$45.900"},
		{1234567, "$1.234.567"},
		{-4500, "-$4.500"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatMoney(tt.in), "FormatMoney(%d)", tt.in)
	}
}

func TestProductCard(t *testing.T) {
	card := productCard(repo.Product{ID: 7, Name: "Jabón de Avena", Price: 4500, Stock: 10})

	assert.Equal(t, "#7 Jabón de Avena\nPrecio: $4.500\nStock: 10", card)
}
