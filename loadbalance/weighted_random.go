package loadbalance

import (
	"math/rand"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []Endpoint, _ string) (*Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	// 计算总权重，负权重按 0 处理
	totalWeight := 0
	for _, v := range endpoints {
		totalWeight += max(v.Weight, 0)
	}
	// 没有任何权重时退化为均匀随机
	if totalWeight == 0 {
		return &endpoints[rand.Intn(len(endpoints))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range endpoints {
		r -= max(endpoints[i].Weight, 0)
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return nil, ErrNoEndpoints
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
