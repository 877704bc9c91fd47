// Package discovery lists the member resources of a stack by tag.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	tagging "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
)

// Discoverer lists the resource identifiers tagged as members of a stack.
type Discoverer interface {
	Discover(ctx context.Context, stack string) ([]string, error)
}

// Options control the tag query.
type Options struct {
	TagKey              string
	ResourceTypeFilters []string
	ResourcesPerPage    int32
}

// TaggingDiscoverer queries the Resource Groups Tagging API.
type TaggingDiscoverer struct {
	client tagging.GetResourcesAPIClient
	opts   Options
}

// NewTaggingDiscoverer creates a discoverer over client.
func NewTaggingDiscoverer(client tagging.GetResourcesAPIClient, opts Options) *TaggingDiscoverer {
	return &TaggingDiscoverer{client: client, opts: opts}
}

// Discover follows pagination until exhausted and returns every ARN in the
// order the API returned them.
func (d *TaggingDiscoverer) Discover(ctx context.Context, stack string) ([]string, error) {
	input := &tagging.GetResourcesInput{
		TagFilters: []types.TagFilter{{
			Key:    aws.String(d.opts.TagKey),
			Values: []string{stack},
		}},
		ResourceTypeFilters: d.opts.ResourceTypeFilters,
	}
	if d.opts.ResourcesPerPage > 0 {
		input.ResourcesPerPage = aws.Int32(d.opts.ResourcesPerPage)
	}

	var ids []string
	pages := 0
	paginator := tagging.NewGetResourcesPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list resources for stack %s (page %d): %w", stack, pages+1, err)
		}
		pages++

		for _, mapping := range page.ResourceTagMappingList {
			if arn := aws.ToString(mapping.ResourceARN); arn != "" {
				ids = append(ids, arn)
			}
		}
	}

	slog.DebugContext(ctx, "Discovered stack resources", "count", len(ids), "pages", pages)
	return ids, nil
}
