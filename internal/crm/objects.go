package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"dealwatch/api/internal/settings"
)

// Object is a CRM record with human readable property values.
type Object struct {
	ObjectName   string
	OwnerName    string
	OwnerEmail   string
	Properties   []Property
	Associations []Association
}

// Property keeps the requested order of the resolved properties.
type Property struct {
	Name  string
	Label string
	Value string
}

type Association struct {
	Type    string
	Records []AssociatedRecord
}

type AssociatedRecord struct {
	ID         string
	Properties map[string]string
}

type schema struct {
	ObjectTypeID       string `json:"objectTypeId"`
	FullyQualifiedName string `json:"fullyQualifiedName"`
	Labels             struct {
		Singular string `json:"singular"`
	} `json:"labels"`
}

type propertyMeta struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Options []struct {
		Value string `json:"value"`
		Label string `json:"label"`
	} `json:"options"`
}

// objectName maps an object type id to its API name and label, falling back
// to the custom object schemas.
func (c *Client) objectName(ctx context.Context, objectTypeID string, cfg settings.CRM) (string, string, error) {
	if name := cfg.DefaultObjectTypeMap[objectTypeID]; name != "" {
		return name, name, nil
	}
	var resp struct {
		Results []schema `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/crm/v3/schemas", nil, nil, &resp); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	for _, s := range resp.Results {
		if s.ObjectTypeID == objectTypeID {
			label := s.Labels.Singular
			if label == "" {
				label = s.FullyQualifiedName
			}
			return s.FullyQualifiedName, label, nil
		}
	}
	return "", "", ErrObjectNotFound
}

// ResolveObject reads one record with the requested properties, resolves
// option and pipeline stage labels, its owner and the names of associated
// records. Owner and association failures degrade to defaults.
func (c *Client) ResolveObject(ctx context.Context, objectTypeID, objectID string, props, assocTypes []string, cfg settings.CRM) (Object, error) {
	name, label, err := c.objectName(ctx, objectTypeID, cfg)
	if err != nil {
		return Object{}, err
	}

	fetch := slices.Clone(props)
	if !slices.Contains(fetch, "hubspot_owner_id") {
		fetch = append(fetch, "hubspot_owner_id")
	}
	var record struct {
		Properties map[string]string `json:"properties"`
	}
	path := "/crm/v3/objects/" + url.PathEscape(name) + "/" + url.PathEscape(objectID)
	if err := c.do(ctx, http.MethodGet, path, url.Values{"properties": {strings.Join(fetch, ",")}}, nil, &record); err != nil {
		return Object{}, fmt.Errorf("get %s %s: %w", name, objectID, err)
	}

	var propsResp struct {
		Results []propertyMeta `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/crm/v3/properties/"+url.PathEscape(name), nil, nil, &propsResp); err != nil {
		return Object{}, fmt.Errorf("list %s properties: %w", name, err)
	}
	metas := make(map[string]propertyMeta, len(propsResp.Results))
	for _, m := range propsResp.Results {
		metas[m.Name] = m
	}

	stageLabels := map[string]string{}
	if prop, ok := cfg.PipelinePropertyMap[name]; ok && slices.Contains(props, prop) {
		pipelines, err := c.pipelines(ctx, name)
		if err != nil {
			log.Printf("resolve %s pipeline labels: %v", name, err)
		}
		for _, p := range pipelines {
			for _, stage := range p.Stages {
				stageLabels[stage.ID] = stage.Label
			}
		}
	}

	obj := Object{ObjectName: label}
	for _, prop := range props {
		meta, known := metas[prop]
		value := record.Properties[prop]
		if stage, ok := stageLabels[value]; ok && prop == cfg.PipelinePropertyMap[name] {
			value = stage
		} else if value != "" {
			for _, option := range meta.Options {
				if option.Value == value {
					value = option.Label
					break
				}
			}
		}
		propLabel := prop
		if known && meta.Label != "" {
			propLabel = meta.Label
		}
		obj.Properties = append(obj.Properties, Property{Name: prop, Label: propLabel, Value: value})
	}

	obj.OwnerName = cfg.DefaultOwner.Name + " (as default owner)"
	obj.OwnerEmail = cfg.DefaultOwner.Email
	if ownerID := record.Properties["hubspot_owner_id"]; ownerID != "" {
		if o, err := c.owner(ctx, ownerID); err == nil && !o.Archived {
			obj.OwnerName = strings.TrimSpace(o.FirstName + " " + o.LastName)
			obj.OwnerEmail = o.Email
		}
	}

	for _, assocType := range assocTypes {
		obj.Associations = append(obj.Associations, Association{
			Type:    assocType,
			Records: c.associated(ctx, name, objectID, assocType),
		})
	}
	return obj, nil
}

// associated lists the records of assocType linked to the object; failures
// yield an empty list.
func (c *Client) associated(ctx context.Context, objectName, objectID, assocType string) []AssociatedRecord {
	var resp struct {
		Results []struct {
			ToObjectID json.Number `json:"toObjectId"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/crm/v4/objects/%s/%s/associations/%s", url.PathEscape(objectName), url.PathEscape(objectID), url.PathEscape(assocType))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		log.Printf("list %s associations of %s %s: %v", assocType, objectName, objectID, err)
		return []AssociatedRecord{}
	}

	records := []AssociatedRecord{}
	for _, r := range resp.Results {
		id := r.ToObjectID.String()
		var obj struct {
			Properties map[string]string `json:"properties"`
		}
		if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/"+url.PathEscape(assocType)+"/"+url.PathEscape(id), nil, nil, &obj); err != nil {
			continue
		}
		records = append(records, AssociatedRecord{ID: id, Properties: obj.Properties})
	}
	return records
}
