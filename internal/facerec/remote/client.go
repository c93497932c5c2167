// Package remote talks to an HTTP face-recognition microservice that wraps a dlib
// detector and encoder.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"faceattend/internal/facerec"
	"faceattend/internal/imaging"
)

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// box is a face location in (top, right, bottom, left) order.
type box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

func toBox(r facerec.Region) box {
	return box{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
}

func (b box) region() facerec.Region {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// New creates a client with configurable timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Detect uploads the image and returns the face regions found with the requested model.
func (c *Client) Detect(ctx context.Context, img image.Image, model facerec.Model) ([]facerec.Region, error) {
	var out struct {
		Regions []box `json:"regions"`
	}
	if err := c.postImage(ctx, "/detect", img, map[string]string{"model": string(model)}, &out); err != nil {
		return nil, err
	}
	regions := make([]facerec.Region, len(out.Regions))
	for i, b := range out.Regions {
		regions[i] = b.region()
	}
	return regions, nil
}

// Encode uploads the image with the regions and returns one encoding per region.
func (c *Client) Encode(ctx context.Context, img image.Image, regions []facerec.Region) ([]facerec.Encoding, error) {
	boxes := make([]box, len(regions))
	for i, r := range regions {
		boxes[i] = toBox(r)
	}
	encoded, err := json.Marshal(boxes)
	if err != nil {
		return nil, err
	}

	var out struct {
		Encodings []facerec.Encoding `json:"encodings"`
	}
	if err := c.postImage(ctx, "/encode", img, map[string]string{"regions": string(encoded)}, &out); err != nil {
		return nil, err
	}
	if len(out.Encodings) != len(regions) {
		return nil, fmt.Errorf("face service returned %d encodings for %d regions", len(out.Encodings), len(regions))
	}
	return out.Encodings, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) postImage(ctx context.Context, path string, img image.Image, fields map[string]string, out any) error {
	data, err := imaging.EncodeJPEG(img)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	fw, err := w.CreateFormFile("image", "image.jpg")
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
