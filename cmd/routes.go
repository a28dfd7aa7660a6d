package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"walkly/internal/walk"
)

func (app *application) routes() (http.Handler, error) {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders)
	authMiddleware := standardMiddleware.Append(app.jwtAuthenticate)

	mux := pat.New()

	if err := walk.RegisterWalkRoutes(mux, standardMiddleware, authMiddleware, app.walkDeps); err != nil {
		return nil, err
	}

	return standardMiddleware.Then(mux), nil
}
