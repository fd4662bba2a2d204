package middlewarectx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/http/response"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/jwt"
)

// AdminChecker знает список администраторов из конфига.
type AdminChecker interface {
	IsAdmin(userID int64) bool
}

// AdminOnly пропускает только администраторов: по роли в токене или по списку из конфига.
func AdminOnly(log *slog.Logger, checker AdminChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFrom(r.Context())
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("unauthorized"))
				return
			}
			if RoleFrom(r.Context()) != jwt.RoleAdmin && !checker.IsAdmin(userID) {
				log.Warn("admin route denied", slog.Int64("user_id", userID))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.Error("forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
