package router

import (
	"github.com/go-chi/chi/v5"

	"github.com/Davud77/botplus-maps/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Route("/orthophotos", func(r chi.Router) {
			r.Get("/", h.ListOrthophotos)
			r.Post("/", h.UploadOrthophoto)

			r.Route("/{assetID}", func(r chi.Router) {
				r.Get("/", h.GetOrthophoto)
				r.Patch("/visibility", h.SetVisibility)
				r.Post("/convert", h.ConvertOrthophoto)
				r.Post("/reproject", h.ReprojectOrthophoto)
				r.Post("/preview", h.GeneratePreview)
				r.Get("/tiles/{z}/{x}/{y}.png", h.GetTile)
			})
		})

		r.Get("/jobs/{jobID}", h.GetJob)
	})

	return r
}
