package models

import (
	"strconv"
	"time"
)

// Протоколы inbound-ов панели.
const (
	ProtocolVLESS = "vless"
	ProtocolVMess = "vmess"
)

// Plan описывает покупаемую комбинацию срока и цены внутри тарифа.
type Plan struct {
	Key       string `yaml:"key" json:"key" validate:"required"`
	Label     string `yaml:"label" json:"label"`
	Days      int    `yaml:"days" json:"days" validate:"required,gt=0"`
	Amount    int64  `yaml:"amount" json:"amount" validate:"required,gt=0"` // Цена в минимальных единицах валюты (копейки)
	AdminOnly bool   `yaml:"admin_only" json:"admin_only"`
}

// Duration возвращает срок действия плана.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// Service описывает тариф (VPN-предложение), привязанный к inbound-у панели.
type Service struct {
	Key                  string `yaml:"key" json:"key" validate:"required"`
	Name                 string `yaml:"name" json:"name" validate:"required"`
	Description          string `yaml:"description" json:"description"`
	InboundID            int    `yaml:"inbound_id" json:"inbound_id" validate:"required,gt=0"`
	EmailSuffix          string `yaml:"email_suffix" json:"email_suffix"`
	ServerHost           string `yaml:"server_host" json:"server_host,omitempty"`
	Protocol             string `yaml:"protocol" json:"protocol" validate:"omitempty,oneof=vless vmess"`
	Visible              bool   `yaml:"visible" json:"visible"`
	AutoAssignOnPurchase bool   `yaml:"auto_assign_on_purchase" json:"auto_assign_on_purchase"`
	Plans                []Plan `yaml:"plans" json:"plans" validate:"dive"`
}

// IdentityKey возвращает детерминированный ключ клиента панели для пользователя.
func (s Service) IdentityKey(userID int64) string {
	return strconv.FormatInt(userID, 10) + s.EmailSuffix
}
