package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	WalletHeader = "X-Wallet-Address"
	walletKey    = "wallet"
)

// RequireWallet rejects requests without a caller wallet address and makes
// the address available through Wallet.
func RequireWallet(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		wallet := strings.TrimSpace(c.Request().Header.Get(WalletHeader))
		if wallet == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+WalletHeader+" header")
		}
		c.Set(walletKey, wallet)
		return next(c)
	}
}

func Wallet(c echo.Context) string {
	w, _ := c.Get(walletKey).(string)
	return w
}
