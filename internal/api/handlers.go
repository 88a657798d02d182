package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"vialcounter/internal/service"
)

type processResponse struct {
	OriginalImageBase64  string  `json:"original_image_base64"`
	ProcessedImageBase64 string  `json:"processed_image_base64"`
	CountedVials         int     `json:"counted_vials"`
	Percentage           float64 `json:"percentage"`
	LotID                string  `json:"lot_id"`
	OrderNumber          string  `json:"order_number"`
	TrayNumber           string  `json:"tray_number"`
	ProposalID           string  `json:"proposal_id,omitempty"`
}

func (s *Server) processImage(c echo.Context) error {
	if form, err := c.MultipartForm(); err == nil {
		defer form.RemoveAll()
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return &service.ValidationError{Reason: "missing image file"}
	}
	f, err := fh.Open()
	if err != nil {
		return &service.ValidationError{Reason: "unreadable image file"}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return &service.ValidationError{Reason: "unreadable image file"}
	}

	expectedRaw := strings.TrimSpace(c.FormValue("expectedCount"))
	expected, err := strconv.Atoi(expectedRaw)
	if err != nil {
		return &service.ValidationError{Reason: "expected count must be a whole number"}
	}

	out, err := s.svc.Process(c.Request().Context(), service.ProcessInput{
		Image:         data,
		DeclaredMIME:  fh.Header.Get("Content-Type"),
		ExpectedCount: expected,
		LotID:         c.FormValue("lotId"),
		OrderNumber:   c.FormValue("orderNumber"),
		TrayNumber:    c.FormValue("trayNumber"),
	})
	if err != nil {
		return err
	}

	prop := out.Proposal
	return c.JSON(http.StatusOK, processResponse{
		OriginalImageBase64:  base64.StdEncoding.EncodeToString(prop.OriginalImage),
		ProcessedImageBase64: base64.StdEncoding.EncodeToString(prop.ProcessedImage),
		CountedVials:         prop.CountedVials,
		Percentage:           prop.Percentage,
		LotID:                prop.LotID,
		OrderNumber:          prop.OrderNumber,
		TrayNumber:           prop.TrayNumber,
		ProposalID:           out.ProposalID,
	})
}

type saveRequest struct {
	ProposalID           string  `json:"proposal_id"`
	OriginalImageBase64  string  `json:"original_image_base64"`
	ProcessedImageBase64 string  `json:"processed_image_base64"`
	CountedVials         int     `json:"countedVials"`
	Percentage           float64 `json:"percentage"`
	LotID                string  `json:"lot_id"`
	OrderNumber          string  `json:"order_number"`
	TrayNumber           string  `json:"tray_number"`
}

// decodeImage accepts raw base64 or a data URI and returns the image bytes.
func decodeImage(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "data:") {
		i := strings.Index(value, ",")
		if i < 0 {
			return nil, &service.ValidationError{Reason: field + " has a malformed data URI"}
		}
		value = value[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, &service.ValidationError{Reason: field + " is not valid base64"}
	}
	return data, nil
}

func (s *Server) saveResult(c echo.Context) error {
	var req saveRequest
	if err := c.Bind(&req); err != nil {
		return &service.ValidationError{Reason: "invalid JSON body"}
	}

	original, err := decodeImage("original_image_base64", req.OriginalImageBase64)
	if err != nil {
		return err
	}
	processed, err := decodeImage("processed_image_base64", req.ProcessedImageBase64)
	if err != nil {
		return err
	}

	view, err := s.svc.Save(c.Request().Context(), service.SaveInput{
		ProposalID:     req.ProposalID,
		OriginalImage:  original,
		ProcessedImage: processed,
		CountedVials:   req.CountedVials,
		Percentage:     req.Percentage,
		LotID:          req.LotID,
		OrderNumber:    req.OrderNumber,
		TrayNumber:     req.TrayNumber,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) allResults(c echo.Context) error {
	cursor, err := intQuery(c, "cursor", 0)
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit", service.DefaultPageSize)
	if err != nil {
		return err
	}

	page, err := s.svc.List(c.Request().Context(), cursor, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func intQuery(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &service.ValidationError{Reason: name + " must be a whole number"}
	}
	return v, nil
}

func (s *Server) sweepOrphans(c echo.Context) error {
	apply := c.QueryParam("apply") == "true"
	report, err := s.svc.SweepOrphans(c.Request().Context(), apply)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) healthz(c echo.Context) error {
	if err := s.svc.Healthy(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
