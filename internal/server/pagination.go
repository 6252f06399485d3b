package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// PaginationParams contains pagination parameters
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// DefaultPageSize is the default number of items per page
const DefaultPageSize = 20

// MaxPageSize is the maximum allowed page size
const MaxPageSize = 100

// GetPaginationParams extracts pagination parameters from the request
func GetPaginationParams(c *gin.Context) PaginationParams {
	params := PaginationParams{Page: 1, PageSize: DefaultPageSize}

	if pageStr := c.Query("page"); pageStr != "" {
		if page, err := strconv.Atoi(pageStr); err == nil && page > 0 {
			params.Page = page
		}
	}
	if pageSizeStr := c.Query("page_size"); pageSizeStr != "" {
		if pageSize, err := strconv.Atoi(pageSizeStr); err == nil && pageSize > 0 {
			if pageSize > MaxPageSize {
				pageSize = MaxPageSize
			}
			params.PageSize = pageSize
		}
	}
	return params
}

// CalculateOffset calculates the offset for SQL queries
func (p PaginationParams) CalculateOffset() int {
	return (p.Page - 1) * p.PageSize
}

// BuildPaginationResponse builds a standardized paginated payload
func BuildPaginationResponse(params PaginationParams, items any) gin.H {
	return gin.H{
		"items": items,
		"pagination": gin.H{
			"page":      params.Page,
			"page_size": params.PageSize,
		},
	}
}
