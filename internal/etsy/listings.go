package etsy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"listing-experiments/internal/models"
)

const listingsPageSize = 100

type listingsPage struct {
	Count   int               `json:"count"`
	Results []*models.Listing `json:"results"`
}

type imagesPage struct {
	Count   int                  `json:"count"`
	Results []models.ImageResult `json:"results"`
}

func (c *Client) shopPath(format string, args ...any) string {
	return fmt.Sprintf("/shops/%d", c.shopID) + fmt.Sprintf(format, args...)
}

// ActiveListings pages through every active listing of the shop.
func (c *Client) ActiveListings(ctx context.Context) ([]*models.Listing, error) {
	var all []*models.Listing
	for offset := 0; ; offset += listingsPageSize {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(listingsPageSize))
		query.Set("offset", strconv.Itoa(offset))

		var page listingsPage
		if err := c.do(ctx, http.MethodGet, c.shopPath("/listings/active"), query, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list active listings: %w", err)
		}
		for _, l := range page.Results {
			l.ShopID = c.shopID
		}
		all = append(all, page.Results...)
		if len(page.Results) < listingsPageSize || len(all) >= page.Count {
			return all, nil
		}
	}
}

// UpdateListing patches the fields set in update.
func (c *Client) UpdateListing(ctx context.Context, listingID int64, update models.ListingUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	form := url.Values{}
	if update.Title != nil {
		form.Set("title", *update.Title)
	}
	if update.Description != nil {
		form.Set("description", *update.Description)
	}
	if update.Tags != nil {
		form.Set("tags", strings.Join(*update.Tags, ","))
	}
	if len(update.ImageIDs) > 0 {
		form.Set("image_ids", joinIDs(update.ImageIDs))
	}
	if err := c.do(ctx, http.MethodPatch, c.shopPath("/listings/%d", listingID), nil, formBody(form), nil); err != nil {
		return fmt.Errorf("failed to update listing %d: %w", listingID, err)
	}
	return nil
}

func (c *Client) ListImages(ctx context.Context, listingID int64) ([]models.ImageResult, error) {
	var page imagesPage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/listings/%d/images", listingID), nil, nil, &page); err != nil {
		return nil, fmt.Errorf("failed to list images of listing %d: %w", listingID, err)
	}
	return page.Results, nil
}

func (c *Client) GetImage(ctx context.Context, listingID, imageID int64) (*models.ImageResult, error) {
	var img models.ImageResult
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/listings/%d/images/%d", listingID, imageID), nil, nil, &img); err != nil {
		return nil, fmt.Errorf("failed to get image %d of listing %d: %w", imageID, listingID, err)
	}
	return &img, nil
}

// UploadImage uploads a file, or re-attaches an existing image id when
// upload.ImageID is set without a path.
func (c *Client) UploadImage(ctx context.Context, listingID int64, upload models.ImageUpload) (*models.ImageResult, error) {
	if upload.ImageID == 0 && upload.Path == "" {
		return nil, fmt.Errorf("image upload for listing %d needs an image id or a file", listingID)
	}
	var fileData []byte
	if upload.Path != "" {
		data, err := os.ReadFile(upload.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image %s: %w", upload.Path, err)
		}
		fileData = data
	}

	body := func() (io.Reader, string, error) {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		if upload.ImageID != 0 {
			_ = w.WriteField("listing_image_id", strconv.FormatInt(upload.ImageID, 10))
		}
		if upload.Rank > 0 {
			_ = w.WriteField("rank", strconv.Itoa(upload.Rank))
		}
		if upload.Overwrite {
			_ = w.WriteField("overwrite", "true")
		}
		if upload.AltText != "" {
			_ = w.WriteField("alt_text", upload.AltText)
		}
		if fileData != nil {
			part, err := w.CreateFormFile("image", filepath.Base(upload.Path))
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(fileData); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf, w.FormDataContentType(), nil
	}

	var resp struct {
		models.ImageResult
		Results []models.ImageResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, c.shopPath("/listings/%d/images", listingID), nil, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to upload image for listing %d: %w", listingID, err)
	}
	if resp.ListingImageID != 0 {
		return &resp.ImageResult, nil
	}
	if len(resp.Results) > 0 {
		return &resp.Results[0], nil
	}
	return nil, fmt.Errorf("upload for listing %d returned no image metadata", listingID)
}

func (c *Client) DeleteImage(ctx context.Context, listingID, imageID int64) error {
	if err := c.do(ctx, http.MethodDelete, c.shopPath("/listings/%d/images/%d", listingID, imageID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete image %d of listing %d: %w", imageID, listingID, err)
	}
	return nil
}

// Download fetches an image from the CDN. No API credentials are sent.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status code %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return data, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
